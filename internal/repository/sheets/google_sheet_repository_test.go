package sheets

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

type memoryRepo struct {
	calls [][][]interface{}
	fail  bool
}

func (m *memoryRepo) WriteRows(_ context.Context, _ string, rows [][]interface{}) error {
	if m.fail {
		return errors.New("quota exceeded")
	}
	m.calls = append(m.calls, rows)
	return nil
}

func (m *memoryRepo) ReadRange(context.Context, string) ([][]interface{}, error) { return nil, nil }

func TestReadingRows(t *testing.T) {
	rows := ReadingRows([]models.SensorReading{{
		Kind:      models.SensorWaterConsumption,
		DeviceID:  "tank",
		Timestamp: time.Date(2026, 9, 1, 6, 30, 0, 0, time.UTC),
		Value:     12.25,
		Unit:      "L",
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, []interface{}{"2026-09-01T06:30:00Z", "WATER_CONSUMPTION", "tank", "12.25", "L"}, rows[0])
}

func TestHistoryExporter_Chunks(t *testing.T) {
	repo := &memoryRepo{}
	exp := NewHistoryExporter(repo, "History!A:E")

	readings := make([]models.SensorReading, appendChunk+1)
	for i := range readings {
		readings[i] = models.SensorReading{Kind: models.SensorLight, DeviceID: fmt.Sprint("d", i)}
	}
	require.NoError(t, exp.ExportReadings(context.Background(), "d", readings))
	require.Len(t, repo.calls, 2)
	assert.Len(t, repo.calls[0], appendChunk)
	assert.Len(t, repo.calls[1], 1)

	repo.fail = true
	assert.Error(t, exp.ExportReadings(context.Background(), "d", readings[:1]))
}
