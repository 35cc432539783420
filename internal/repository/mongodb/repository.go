package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/domain/models"
)

// Authority is a MongoDB-backed remote authority. Each entity type lives in
// its own collection; a document keeps the last pushed payload plus the
// server timestamp used for pulls.
type Authority struct {
	client *mongo.Client
	dbName string
	logger *zap.Logger
	now    func() time.Time
}

var _ models.Transport = (*Authority)(nil)

type document struct {
	ID         string    `bson:"_id"`
	Generation int64     `bson:"generation"`
	Deleted    bool      `bson:"deleted"`
	Payload    bson.M    `bson:"payload,omitempty"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// NewAuthority connects to MongoDB and verifies the connection.
func NewAuthority(ctx context.Context, uri string, dbName string, logger *zap.Logger) (*Authority, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	a := newAuthority(client, dbName, logger)
	if err := a.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return a, nil
}

func newAuthority(client *mongo.Client, dbName string, logger *zap.Logger) *Authority {
	return &Authority{
		client: client,
		dbName: dbName,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (a *Authority) collection(entity models.EntityType) *mongo.Collection {
	return a.client.Database(a.dbName).Collection(string(entity))
}

func (a *Authority) ensureIndexes(ctx context.Context) error {
	for _, entity := range models.SyncOrder {
		_, err := a.collection(entity).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("create updated_at index on %s: %w", entity, err)
		}
	}
	return nil
}

// PushBatch upserts the records in one unordered bulk write. Records whose
// write fails are rejected; the rest are accepted with the server timestamp.
// The whole batch shares one millisecond timestamp, so pulls must tolerate
// ties on updated_at.
func (a *Authority) PushBatch(ctx context.Context, entity models.EntityType, records []models.SyncRecord) (models.PushResult, error) {
	result := models.PushResult{ServerTimestamps: make(map[string]time.Time, len(records))}
	if len(records) == 0 {
		return result, nil
	}

	serverAt := a.now().Truncate(time.Millisecond)
	writes := make([]mongo.WriteModel, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		doc := document{ID: rec.ID, Generation: rec.Generation, Deleted: rec.Deleted, UpdatedAt: serverAt}
		if !rec.Deleted && len(rec.Payload) > 0 {
			if err := bson.UnmarshalExtJSON(rec.Payload, false, &doc.Payload); err != nil {
				result.RejectedIDs = append(result.RejectedIDs, rec.ID)
				a.logger.Warn("rejecting undecodable payload",
					zap.String("entity", string(entity)), zap.String("id", rec.ID), zap.Error(err))
				continue
			}
		}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": rec.ID}).
			SetReplacement(doc).
			SetUpsert(true))
		ids = append(ids, rec.ID)
	}
	if len(writes) == 0 {
		return result, nil
	}

	failed := make(map[int]bool)
	_, err := a.collection(entity).BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if !errors.As(err, &bulkErr) || len(bulkErr.WriteErrors) == 0 {
			return models.PushResult{}, models.NewError(models.ErrSyncTransport, "push", entity, "", err)
		}
		for _, we := range bulkErr.WriteErrors {
			failed[we.Index] = true
		}
	}

	for i, id := range ids {
		if failed[i] {
			result.RejectedIDs = append(result.RejectedIDs, id)
			continue
		}
		result.AcceptedIDs = append(result.AcceptedIDs, id)
		result.ServerTimestamps[id] = serverAt
	}
	return result, nil
}

// PullChanges returns documents updated after since, oldest first.
func (a *Authority) PullChanges(ctx context.Context, entity models.EntityType, since time.Time) ([]models.SyncRecord, error) {
	filter := bson.M{}
	if !since.IsZero() {
		filter["updated_at"] = bson.M{"$gt": since.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}, {Key: "_id", Value: 1}})

	cur, err := a.collection(entity).Find(ctx, filter, opts)
	if err != nil {
		return nil, models.NewError(models.ErrSyncTransport, "pull", entity, "", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []models.SyncRecord
	for cur.Next(ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, models.NewError(models.ErrSyncTransport, "pull", entity, "", fmt.Errorf("decode document: %w", err))
		}
		rec := models.SyncRecord{
			ID:         doc.ID,
			Generation: doc.Generation,
			UpdatedAt:  doc.UpdatedAt.UTC(),
			Deleted:    doc.Deleted,
		}
		if !doc.Deleted && doc.Payload != nil {
			raw, err := bson.MarshalExtJSON(doc.Payload, false, false)
			if err != nil {
				return nil, models.NewError(models.ErrSyncTransport, "pull", entity, doc.ID, fmt.Errorf("encode payload: %w", err))
			}
			rec.Payload = raw
		}
		out = append(out, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, models.NewError(models.ErrSyncTransport, "pull", entity, "", err)
	}
	return out, nil
}

// Close closes the MongoDB connection.
func (a *Authority) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}
