package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: agent_dlq

{
    "_id": string (record ID),
    "topic": string,
    "message": Binary,
    "error": string,
    "attempts": int,
    "source": string (optional),
    "created_at": ISODate,
    "retried_at": ISODate (optional)
}

Indexes:
db.agent_dlq.createIndex({ "topic": 1 })
db.agent_dlq.createIndex({ "created_at": 1 })
db.agent_dlq.createIndex({ "retried_at": 1 }, { sparse: true })
*/

// mongoRecord is the document shape stored in MongoDB.
type mongoRecord struct {
	ID        string     `bson:"_id"`
	Topic     string     `bson:"topic"`
	Message   []byte     `bson:"message"`
	Error     string     `bson:"error"`
	Attempts  int        `bson:"attempts"`
	Source    string     `bson:"source,omitempty"`
	CreatedAt time.Time  `bson:"created_at"`
	RetriedAt *time.Time `bson:"retried_at,omitempty"`
}

func (m *mongoRecord) toRecord() *Record {
	return &Record{
		ID:        m.ID,
		Topic:     m.Topic,
		Message:   json.RawMessage(m.Message),
		Error:     m.Error,
		Attempts:  m.Attempts,
		Source:    m.Source,
		CreatedAt: m.CreatedAt,
		RetriedAt: m.RetriedAt,
	}
}

// MongoStore is a MongoDB-backed dead-letter store.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB dead-letter store.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("agent_dlq"),
	}
}

// WithCollection sets a custom collection name.
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Indexes returns the recommended indexes for the collection.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "topic", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "retried_at", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	}
}

// Append adds a record to the store.
func (s *MongoStore) Append(ctx context.Context, rec *Record) error {
	doc := &mongoRecord{
		ID:        rec.ID,
		Topic:     rec.Topic,
		Message:   []byte(rec.Message),
		Error:     rec.Error,
		Attempts:  rec.Attempts,
		Source:    rec.Source,
		CreatedAt: rec.CreatedAt,
		RetriedAt: rec.RetriedAt,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Get retrieves a single record by ID.
func (s *MongoStore) Get(ctx context.Context, id string) (*Record, error) {
	var doc mongoRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("dead-letter record not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.toRecord(), nil
}

func (f Filter) toBSON() bson.M {
	query := bson.M{}
	if f.Topic != "" {
		query["topic"] = f.Topic
	}
	if f.Source != "" {
		query["source"] = f.Source
	}
	if f.Error != "" {
		query["error"] = bson.M{"$regex": f.Error}
	}
	if !f.StartTime.IsZero() || !f.EndTime.IsZero() {
		created := bson.M{}
		if !f.StartTime.IsZero() {
			created["$gte"] = f.StartTime
		}
		if !f.EndTime.IsZero() {
			created["$lte"] = f.EndTime
		}
		query["created_at"] = created
	}
	if f.ExcludeRetried {
		query["retried_at"] = bson.M{"$exists": false}
	}
	return query
}

// List returns records matching the filter, oldest first.
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	cursor, err := s.collection.Find(ctx, filter.toBSON(), opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*Record
	for cursor.Next(ctx) {
		var doc mongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return records, fmt.Errorf("decode: %w", err)
		}
		records = append(records, doc.toRecord())
	}
	return records, cursor.Err()
}

// Count returns the number of records matching the filter.
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, filter.toBSON())
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// MarkRetried records that a record has been replayed.
func (s *MongoStore) MarkRetried(ctx context.Context, id string) error {
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"retried_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("dead-letter record not found: %s", id)
	}
	return nil
}

// Delete removes a record.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("dead-letter record not found: %s", id)
	}
	return nil
}

// DeleteOlderThan removes records older than the given age.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res, err := s.collection.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteByFilter removes records matching the filter.
func (s *MongoStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, filter.toBSON())
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return res.DeletedCount, nil
}

// Compile-time check.
var _ Store = (*MongoStore)(nil)
