package sheets

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
)

// appendChunk bounds the rows sent in one Values.Append call.
const appendChunk = 500

// Repository defines the spreadsheet operations the exporter relies on.
type Repository interface {
	WriteRows(ctx context.Context, sheetRange string, rows [][]interface{}) error
	ReadRange(ctx context.Context, sheetRange string) ([][]interface{}, error)
}

// GoogleSheetRepository implements Repository using the official Google Sheets API.
type GoogleSheetRepository struct {
	service       *sheetsapi.Service
	spreadsheetID string
	logger        *zap.Logger
}

// NewGoogleSheetRepository builds a Google Sheets backed repository instance.
func NewGoogleSheetRepository(ctx context.Context, cfg config.SheetsConfig, logger *zap.Logger) (*GoogleSheetRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	service, err := sheetsapi.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsPath), option.WithScopes(sheetsapi.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sheets client: %w", err)
	}

	return &GoogleSheetRepository{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		logger:        logger,
	}, nil
}

// WriteRows appends rows to the supplied sheet range.
func (r *GoogleSheetRepository) WriteRows(ctx context.Context, sheetRange string, rows [][]interface{}) error {
	if sheetRange == "" {
		return fmt.Errorf("sheetRange must not be empty")
	}
	if len(rows) == 0 {
		return nil
	}

	payload := &sheetsapi.ValueRange{Values: rows}

	call := r.service.Spreadsheets.Values.Append(r.spreadsheetID, sheetRange, payload).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx)

	if _, err := call.Do(); err != nil {
		return fmt.Errorf("append rows into range %s: %w", sheetRange, err)
	}

	r.logger.Debug("rows appended to sheet", zap.String("range", sheetRange), zap.Int("rows", len(rows)))
	return nil
}

// ReadRange fetches a rectangular data range from the spreadsheet.
func (r *GoogleSheetRepository) ReadRange(ctx context.Context, sheetRange string) ([][]interface{}, error) {
	if sheetRange == "" {
		return nil, fmt.Errorf("sheetRange must not be empty")
	}

	resp, err := r.service.Spreadsheets.Values.Get(r.spreadsheetID, sheetRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read range %s: %w", sheetRange, err)
	}

	return resp.Values, nil
}

// HistoryExporter appends sensor history to one tab of the spreadsheet.
type HistoryExporter struct {
	repo       Repository
	sheetRange string
}

// NewHistoryExporter exports into sheetRange, e.g. "History!A:E".
func NewHistoryExporter(repo Repository, sheetRange string) *HistoryExporter {
	return &HistoryExporter{repo: repo, sheetRange: sheetRange}
}

// ExportReadings appends one row per reading, in chunks.
func (e *HistoryExporter) ExportReadings(ctx context.Context, deviceID string, readings []models.SensorReading) error {
	rows := ReadingRows(readings)
	for start := 0; start < len(rows); start += appendChunk {
		end := min(start+appendChunk, len(rows))
		if err := e.repo.WriteRows(ctx, e.sheetRange, rows[start:end]); err != nil {
			return fmt.Errorf("export %s rows %d-%d: %w", deviceID, start, end, err)
		}
	}
	return nil
}

// ReadingRows converts readings into sheet rows:
// timestamp, kind, device, value, unit.
func ReadingRows(readings []models.SensorReading) [][]interface{} {
	rows := make([][]interface{}, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []interface{}{
			r.Timestamp.UTC().Format(time.RFC3339),
			string(r.Kind),
			r.DeviceID,
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.Unit,
		})
	}
	return rows
}
