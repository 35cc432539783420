package syncapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
)

// Client talks to the remote authority's HTTP sync API:
//
//	POST {base}/sync/{entity}/push           {"records": [...]} -> PushResult
//	GET  {base}/sync/{entity}/changes?since= -> {"records": [...]}
//
// Changes are returned in ascending updated_at order.
type Client struct {
	httpClient *resty.Client
}

var _ models.Transport = (*Client)(nil)

type pushRequest struct {
	Records []models.SyncRecord `json:"records"`
}

type changesResponse struct {
	Records []models.SyncRecord `json:"records"`
}

type apiError struct {
	Error string `json:"error"`
}

// NewClient builds a resty-backed sync transport. Per-call deadlines come
// from the caller's context.
func NewClient(cfg config.SyncConfig) *Client {
	restyClient := resty.New()
	restyClient.
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIToken != "" {
		restyClient.SetAuthToken(cfg.APIToken)
	}
	if cfg.PushTimeout > 0 {
		restyClient.SetTimeout(cfg.PushTimeout)
	}
	return &Client{httpClient: restyClient}
}

// PushBatch sends records and returns the authority's verdict per id.
func (c *Client) PushBatch(ctx context.Context, entity models.EntityType, records []models.SyncRecord) (models.PushResult, error) {
	var result models.PushResult
	apiErr := new(apiError)

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("entity", string(entity)).
		SetBody(pushRequest{Records: records}).
		SetResult(&result).
		SetError(apiErr).
		Post("/sync/{entity}/push")
	if err != nil {
		return models.PushResult{}, models.NewError(models.ErrSyncTransport, "push", entity, "", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return models.PushResult{}, models.NewError(models.ErrSyncTransport, "push", entity, "",
			fmt.Errorf("status %d: %s", resp.StatusCode(), apiErr.Error))
	}
	return result, nil
}

// PullChanges fetches records updated after since.
func (c *Client) PullChanges(ctx context.Context, entity models.EntityType, since time.Time) ([]models.SyncRecord, error) {
	var result changesResponse
	apiErr := new(apiError)

	req := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("entity", string(entity)).
		SetResult(&result).
		SetError(apiErr)
	if !since.IsZero() {
		req.SetQueryParam("since", since.UTC().Format(time.RFC3339Nano))
	}

	resp, err := req.Get("/sync/{entity}/changes")
	if err != nil {
		return nil, models.NewError(models.ErrSyncTransport, "pull", entity, "", err)
	}
	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, models.NewError(models.ErrSyncTransport, "pull", entity, "",
			fmt.Errorf("status %d: %s", resp.StatusCode(), apiErr.Error))
	}
	return result.Records, nil
}
