// Package archive copies archived events to MongoDB before the store deletes them.
package archive

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"eventbus/pkg/migrations"
	"eventbus/pkg/models"
)

const DefaultCollection = "event_archive"

type MongoSink struct {
	collection *mongo.Collection
}

// NewMongoSink ensures the archive indexes exist and returns a sink writing to
// the named collection.
func NewMongoSink(ctx context.Context, db *mongo.Database, name string) (*MongoSink, error) {
	if name == "" {
		name = DefaultCollection
	}
	if err := migrations.EnsureArchiveCollection(ctx, db, name); err != nil {
		return nil, err
	}
	return &MongoSink{collection: db.Collection(name)}, nil
}

// ArchiveEvents upserts by event id, so re-exporting a batch after a failed
// delete does not duplicate documents.
func (s *MongoSink) ArchiveEvents(ctx context.Context, events []models.StoredEvent) error {
	if len(events) == 0 {
		return nil
	}

	writes := make([]mongo.WriteModel, 0, len(events))
	for _, e := range events {
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": e.EventID}).
			SetReplacement(e).
			SetUpsert(true))
	}

	if _, err := s.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to archive %d events: %w", len(events), err)
	}
	return nil
}

// Count returns the number of archived events with the given name, or all of
// them when eventName is empty.
func (s *MongoSink) Count(ctx context.Context, eventName string) (int64, error) {
	filter := bson.M{}
	if eventName != "" {
		filter["event_name"] = eventName
	}
	n, err := s.collection.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived events: %w", err)
	}
	return n, nil
}
