package models

import (
	"context"
	"encoding/json"
	"time"
)

// EntityType names one syncable table as understood by the remote authority.
type EntityType string

const (
	EntityFlock            EntityType = "flocks"
	EntityLineageLink      EntityType = "lineage_links"
	EntityHealthRecord     EntityType = "health_records"
	EntityProductionRecord EntityType = "production_records"
	EntityDeviceConfig     EntityType = "device_configs"
	EntityAlert            EntityType = "alerts"
	EntityTemperature      EntityType = "temperature_readings"
	EntityHumidity         EntityType = "humidity_readings"
	EntityFeedLevel        EntityType = "feed_level_readings"
	EntityWaterConsumption EntityType = "water_consumption_readings"
	EntityLight            EntityType = "light_readings"
)

// SyncOrder lists entity types parents first so a remote authority never
// receives a child before the flock it references.
var SyncOrder = []EntityType{
	EntityFlock,
	EntityLineageLink,
	EntityHealthRecord,
	EntityProductionRecord,
	EntityDeviceConfig,
	EntityAlert,
	EntityTemperature,
	EntityHumidity,
	EntityFeedLevel,
	EntityWaterConsumption,
	EntityLight,
}

// SyncState is embedded in every row that participates in synchronization.
// A row is dirty while Generation > SyncedGeneration; Generation grows on
// every local write so a confirmation for an older push cannot clear a newer
// write. ServerUpdatedAt is the remote timestamp last accepted for the row.
type SyncState struct {
	Dirty            bool       `json:"dirty"`
	Generation       int64      `json:"generation"`
	SyncedGeneration int64      `json:"synced_generation"`
	ServerUpdatedAt  *time.Time `json:"server_updated_at,omitempty"`
}

// SyncMeta exposes the embedded sync bookkeeping.
func (s *SyncState) SyncMeta() *SyncState { return s }

// Syncable is implemented by every row type stored in a syncable table.
type Syncable interface {
	SyncMeta() *SyncState
	RecordID() string
	SetRecordID(id string)
	Touched() time.Time
}

// SyncRecord is the transport envelope for a single row.
type SyncRecord struct {
	ID         string          `json:"id"`
	Generation int64           `json:"generation"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Deleted    bool            `json:"deleted,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PushResult is the remote authority's answer to a pushed batch.
type PushResult struct {
	AcceptedIDs      []string             `json:"accepted_ids"`
	RejectedIDs      []string             `json:"rejected_ids"`
	ServerTimestamps map[string]time.Time `json:"server_timestamps"`
	// ReassignedIDs maps a locally generated id to the id the server keeps.
	ReassignedIDs map[string]string `json:"reassigned_ids,omitempty"`
}

// Transport is the remote side of synchronization.
type Transport interface {
	PushBatch(ctx context.Context, entity EntityType, records []SyncRecord) (PushResult, error)
	PullChanges(ctx context.Context, entity EntityType, since time.Time) ([]SyncRecord, error)
}

// PendingRecord is a queued local change, re-read from the store when it is
// about to be pushed.
type PendingRecord struct {
	Entity     EntityType
	Record     SyncRecord
	Attempts   int
	EnqueuedAt time.Time
}
