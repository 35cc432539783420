package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/farmsync/internal/config"
)

// Sender delivers alert messages over the WhatsApp Cloud API.
type Sender interface {
	SendAlert(ctx context.Context, msg AlertMessage) (*Delivery, error)
}

// APIClient is the resty-backed Sender.
type APIClient struct {
	http          *resty.Client
	phoneNumberID string
}

var _ Sender = (*APIClient)(nil)

// NewClient builds a Cloud API client for the configured phone number.
// Rate limiting and server errors are retried twice.
func NewClient(cfg config.WhatsAppConfig) *APIClient {
	base := strings.TrimSuffix(cfg.BaseURL, "/")

	rc := resty.New().
		SetBaseURL(fmt.Sprintf("%s/%s", base, cfg.APIVersion)).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || retryable(r.StatusCode())
		})

	return &APIClient{http: rc, phoneNumberID: cfg.PhoneNumberID}
}

// AlertMessage is one alert rendered for one recipient. AlertID travels as
// opaque callback data so delivery webhooks can be matched to the alert.
type AlertMessage struct {
	To      string
	Text    string
	AlertID string
}

func (m AlertMessage) validate() error {
	if m.To == "" {
		return errors.New("alert message needs a recipient")
	}
	if m.Text == "" {
		return errors.New("alert message needs a text")
	}
	return nil
}

// Delivery identifies the message the Cloud API accepted.
type Delivery struct {
	MessageID string
	WaID      string
}

// APIError is an error status answered by the Cloud API.
type APIError struct {
	Status  int
	Code    int
	Type    string
	Message string
	TraceID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api error: status=%d code=%d message=%s", e.Status, e.Code, e.Message)
}

// Temporary reports whether sending again later may succeed.
func (e *APIError) Temporary() bool { return retryable(e.Status) }

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

type outgoing struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textPart `json:"text"`
	CallbackData     string   `json:"biz_opaque_callback_data,omitempty"`
}

type textPart struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type accepted struct {
	Contacts []struct {
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type failure struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// SendAlert posts msg as an individual text message.
func (c *APIClient) SendAlert(ctx context.Context, msg AlertMessage) (*Delivery, error) {
	if err := msg.validate(); err != nil {
		return nil, err
	}

	var (
		ok  accepted
		bad failure
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(outgoing{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               msg.To,
			Type:             "text",
			Text:             textPart{Body: msg.Text},
			CallbackData:     msg.AlertID,
		}).
		SetResult(&ok).
		SetError(&bad).
		Post(c.phoneNumberID + "/messages")
	if err != nil {
		return nil, fmt.Errorf("send alert %s to %s: %w", msg.AlertID, msg.To, err)
	}
	if resp.IsError() {
		return nil, &APIError{
			Status:  resp.StatusCode(),
			Code:    bad.Error.Code,
			Type:    bad.Error.Type,
			Message: bad.Error.Message,
			TraceID: bad.Error.FBTraceID,
		}
	}

	d := &Delivery{}
	if len(ok.Messages) > 0 {
		d.MessageID = ok.Messages[0].ID
	}
	if len(ok.Contacts) > 0 {
		d.WaID = ok.Contacts[0].WaID
	}
	return d, nil
}
