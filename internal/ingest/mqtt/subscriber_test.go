package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mamadbah2/farmsync/internal/config"
	"github.com/mamadbah2/farmsync/internal/domain/models"
	"github.com/mamadbah2/farmsync/internal/service/telemetry"
)

type captureSink struct {
	got []models.SensorReading
}

func (c *captureSink) Ingest(_ context.Context, r models.SensorReading) (*telemetry.Result, error) {
	c.got = append(c.got, r)
	return &telemetry.Result{Reading: r}, nil
}

func TestParseTopic(t *testing.T) {
	device, kind, err := ParseTopic("farmsync/devices/coop-7/readings/feed_level")
	require.NoError(t, err)
	assert.Equal(t, "coop-7", device)
	assert.Equal(t, models.SensorFeedLevel, kind)

	for _, bad := range []string{
		"farmsync/devices/coop-7/readings",
		"farmsync/sensors/coop-7/readings/temperature",
		"farmsync/devices//readings/temperature",
		"farmsync/devices/coop-7/readings/pressure",
	} {
		_, _, err := ParseTopic(bad)
		assert.ErrorIs(t, err, models.ErrInvalidInput, bad)
	}
}

func TestDecode(t *testing.T) {
	r, err := Decode("farmsync/devices/coop-1/readings/temperature",
		[]byte(`{"value": 24.5, "unit": "C", "timestamp": "2026-03-01T10:00:00+02:00"}`))
	require.NoError(t, err)
	assert.Equal(t, models.SensorTemperature, r.Kind)
	assert.Equal(t, "coop-1", r.DeviceID)
	assert.Equal(t, 24.5, r.Value)
	assert.True(t, r.Timestamp.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))

	r, err = Decode("farmsync/devices/coop-1/readings/humidity", []byte(`{"value": 0}`))
	require.NoError(t, err)
	assert.Zero(t, r.Value)
	assert.True(t, r.Timestamp.IsZero())

	_, err = Decode("farmsync/devices/coop-1/readings/humidity", []byte(`{"unit": "%"}`))
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = Decode("farmsync/devices/coop-1/readings/humidity", []byte(`not json`))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestHandleMessage_ForwardsValidSamples(t *testing.T) {
	sink := &captureSink{}
	s := NewSubscriber(config.MQTTConfig{Topic: "farmsync/devices/+/readings/+"}, sink, nil)

	s.handleMessage(context.Background(), "farmsync/devices/d1/readings/light", []byte(`{"value": 120}`))
	s.handleMessage(context.Background(), "farmsync/devices/d1/readings/light", []byte(`{}`))

	require.Len(t, sink.got, 1)
	assert.Equal(t, models.SensorLight, sink.got[0].Kind)
}
