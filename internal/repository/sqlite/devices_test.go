package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

func TestDeviceConfig_Upsert(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDeviceConfig(ctx, &models.DeviceConfig{DeviceID: "dev-1", DisplayName: "Coop 1"}))
	got, err := s.GetDeviceConfig(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultReportingIntervalSeconds), got.ReportingIntervalSeconds)

	clock.Advance(time.Minute)
	require.NoError(t, s.UpsertDeviceConfig(ctx, &models.DeviceConfig{
		DeviceID:                 "dev-1",
		DisplayName:              "Coop 1",
		ReportingIntervalSeconds: 300,
		CustomSettings:           map[string]string{"fan": "auto"},
	}))
	got, err = s.GetDeviceConfig(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, got.ReportingInterval())
	assert.Equal(t, "auto", got.CustomSettings["fan"])
	assert.True(t, got.CreatedAt.Equal(testEpoch))
	assert.Equal(t, int64(2), got.Generation)

	_, err = s.GetDeviceConfig(ctx, "dev-2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
