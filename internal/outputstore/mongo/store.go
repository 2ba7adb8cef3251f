// Package mongo implements outputstore.Store against MongoDB, for
// deployments that need output records to survive a scheduler restart
// within one mission.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/outputstore"
)

const (
	defaultCollection = "mission_output_records"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements outputstore.Store against a single Mongo collection, one
// upserted document per key.
type Store struct {
	collection *mongo.Collection
	timeout    time.Duration
}

var _ outputstore.Store = (*Store)(nil)

// New builds a Store and ensures its unique index on key exists.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("outputstore/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("outputstore/mongo: database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	collection := opts.Client.Database(opts.Database).Collection(coll)
	s := &Store{collection: collection, timeout: timeout}

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.collection.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("outputstore/mongo: create index: %w", err)
	}
	return s, nil
}

type recordDoc struct {
	Key                 string   `bson:"key"`
	ObjectivesCompleted []string `bson:"objectives_completed,omitempty"`
	Findings            []string `bson:"findings,omitempty"`
	EntitiesDiscovered  []string `bson:"entities_discovered,omitempty"`
	FileRefs            []string `bson:"file_refs,omitempty"`
}

func toDocument(key string, rec mission.OutputRecord) recordDoc {
	return recordDoc{
		Key:                 key,
		ObjectivesCompleted: rec.ObjectivesCompleted,
		Findings:            rec.Findings,
		EntitiesDiscovered:  rec.EntitiesDiscovered,
		FileRefs:            rec.FileRefs,
	}
}

func fromDocument(doc recordDoc) mission.OutputRecord {
	return mission.OutputRecord{
		ObjectivesCompleted: doc.ObjectivesCompleted,
		Findings:            doc.Findings,
		EntitiesDiscovered:  doc.EntitiesDiscovered,
		FileRefs:            doc.FileRefs,
	}
}

// Put implements outputstore.Store.
func (s *Store) Put(ctx context.Context, key string, record mission.OutputRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"key": key}, toDocument(key, record), opts)
	if err != nil {
		return fmt.Errorf("outputstore/mongo: put %q: %w", key, err)
	}
	return nil
}

// Get implements outputstore.Store.
func (s *Store) Get(ctx context.Context, key string) (mission.OutputRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc recordDoc
	err := s.collection.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return mission.OutputRecord{}, outputstore.ErrNotFound
		}
		return mission.OutputRecord{}, fmt.Errorf("outputstore/mongo: get %q: %w", key, err)
	}
	return fromDocument(doc), nil
}

// GetMany implements outputstore.Store.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]mission.OutputRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cursor, err := s.collection.Find(ctx, bson.M{"key": bson.M{"$in": keys}})
	if err != nil {
		return nil, fmt.Errorf("outputstore/mongo: get many: %w", err)
	}
	defer cursor.Close(ctx)

	out := make(map[string]mission.OutputRecord, len(keys))
	for cursor.Next(ctx) {
		var doc recordDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("outputstore/mongo: get many decode: %w", err)
		}
		out[doc.Key] = fromDocument(doc)
	}
	return out, cursor.Err()
}
