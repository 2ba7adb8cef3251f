// Package mongo implements session.Store against MongoDB, for deployments
// that need thread history and checkpoints to survive a process restart.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/session"
)

const (
	defaultMessagesCollection   = "thread_messages"
	defaultCheckpointCollection = "thread_checkpoints"
	defaultOpTimeout            = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client                *mongo.Client
	Database              string
	MessagesCollection    string
	CheckpointsCollection string
	Timeout               time.Duration
}

// Store implements session.Store against two Mongo collections: one
// append-only document per message, and one upserted document per thread
// checkpoint.
type Store struct {
	messages    *mongo.Collection
	checkpoints *mongo.Collection
	timeout     time.Duration
}

// New builds a Store and ensures its indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("session/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("session/mongo: database name is required")
	}
	messagesColl := opts.MessagesCollection
	if messagesColl == "" {
		messagesColl = defaultMessagesCollection
	}
	checkpointsColl := opts.CheckpointsCollection
	if checkpointsColl == "" {
		checkpointsColl = defaultCheckpointCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		messages:    db.Collection(messagesColl),
		checkpoints: db.Collection(checkpointsColl),
		timeout:     timeout,
	}

	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.messages.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return nil, err
	}
	if _, err := s.checkpoints.Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, err
	}
	return s, nil
}

type messageDoc struct {
	ThreadID   string           `bson:"thread_id"`
	Seq        int64            `bson:"seq"`
	Role       model.Role       `bson:"role"`
	Content    string           `bson:"content"`
	ToolCalls  []model.ToolCall `bson:"tool_calls,omitempty"`
	ToolCallID string           `bson:"tool_call_id,omitempty"`
}

// AppendMessage implements session.Store.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg model.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	seq, err := s.messages.CountDocuments(ctx, bson.M{"thread_id": threadID})
	if err != nil {
		return err
	}
	_, err = s.messages.InsertOne(ctx, messageDoc{
		ThreadID:   threadID,
		Seq:        seq,
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
	})
	return err
}

// LoadMessages implements session.Store.
func (s *Store) LoadMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.messages.Find(ctx, bson.M{"thread_id": threadID}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []model.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, model.Message{
			Role:       doc.Role,
			Content:    doc.Content,
			ToolCalls:  doc.ToolCalls,
			ToolCallID: doc.ToolCallID,
		})
	}
	return out, cur.Err()
}

type checkpointDoc struct {
	ThreadID  string    `bson:"thread_id"`
	Blob      []byte    `bson:"blob"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// SaveCheckpoint implements session.Store.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, blob []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.checkpoints.UpdateOne(ctx,
		bson.M{"thread_id": threadID},
		bson.M{"$set": checkpointDoc{ThreadID: threadID, Blob: blob, UpdatedAt: time.Now().UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// LoadCheckpoint implements session.Store.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) (session.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"thread_id": threadID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return session.Checkpoint{}, session.ErrThreadNotFound
	}
	if err != nil {
		return session.Checkpoint{}, err
	}
	return session.Checkpoint{ThreadID: doc.ThreadID, Blob: doc.Blob, UpdatedAt: doc.UpdatedAt}, nil
}
