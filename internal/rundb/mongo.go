package rundb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/runsync/runsync/internal/constants"
	"github.com/runsync/runsync/internal/models"
)

// Options configures a MongoStore.
type Options struct {
	// URI may contain a single %s which is replaced by Password.
	URI            string
	Password       string
	Database       string
	Collection     string
	ReplicaSet     string
	ReadPreference string

	// Timeout bounds every single store operation.
	Timeout time.Duration
}

// MongoStore is the Store backed by the shared MongoDB run collection.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// Connect opens the shared run collection.
func Connect(ctx context.Context, opts Options) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("run database URI is required")
	}
	if opts.Database == "" {
		opts.Database = constants.DefaultDatabase
	}
	if opts.Collection == "" {
		opts.Collection = constants.DefaultCollection
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultStoreTimeout
	}

	uri := opts.URI
	if strings.Contains(uri, "%s") {
		uri = fmt.Sprintf(uri, opts.Password)
	}

	clientOpts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(opts.Timeout).
		SetConnectTimeout(opts.Timeout)
	if opts.ReplicaSet != "" {
		clientOpts.SetReplicaSet(opts.ReplicaSet)
	}
	if opts.ReadPreference != "" {
		mode, err := readpref.ModeFromString(opts.ReadPreference)
		if err != nil {
			return nil, fmt.Errorf("invalid read preference %q: %w", opts.ReadPreference, err)
		}
		rp, err := readpref.New(mode)
		if err != nil {
			return nil, fmt.Errorf("invalid read preference %q: %w", opts.ReadPreference, err)
		}
		clientOpts.SetReadPreference(rp)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, classify("connect", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(opts.Database).Collection(opts.Collection),
		timeout:    opts.Timeout,
	}, nil
}

// Close disconnects from the server.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Client exposes the underlying client for administrative helpers.
func (s *MongoStore) Client() *mongo.Client {
	return s.client
}

// FindCandidateRuns implements Store. Ids are fully materialised so a long
// running duty never holds a server cursor open.
func (s *MongoStore) FindCandidateRuns(ctx context.Context, f Filter) ([]RunID, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	findOpts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "start", Value: -1}})

	cursor, err := s.collection.Find(opCtx, buildQuery(f), findOpts)
	if err != nil {
		return nil, classify("find runs", err)
	}
	defer cursor.Close(opCtx)

	var ids []RunID
	for cursor.Next(opCtx) {
		var doc struct {
			ID RunID `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, classify("decode run id", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, classify("iterate runs", err)
	}
	return ids, nil
}

// LoadRun implements Store.
func (s *MongoStore) LoadRun(ctx context.Context, id RunID) (*models.Run, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var run models.Run
	if err := s.collection.FindOne(opCtx, bson.D{{Key: "_id", Value: id}}).Decode(&run); err != nil {
		return nil, classify("load run "+id.Hex(), err)
	}
	return &run, nil
}

// AppendLocation implements Store with a conditional $push.
func (s *MongoStore) AppendLocation(ctx context.Context, id RunID, loc models.DataLocation) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.collection.UpdateOne(opCtx, appendFilter(id, loc),
		bson.D{{Key: "$push", Value: bson.D{{Key: "data", Value: loc}}}})
	if err != nil {
		return classify("append location", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Either the run vanished or the guard rejected the push.
	n, err := s.collection.CountDocuments(opCtx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return classify("append location", err)
	}
	if n == 0 {
		return fmt.Errorf("append location: %w", ErrNotFound)
	}
	return fmt.Errorf("append location %s: %w", loc, ErrConflict)
}

// SetLocationFields implements Store with a positional $set.
func (s *MongoStore) SetLocationFields(ctx context.Context, id RunID, m Match, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.collection.UpdateOne(opCtx, elementFilter(id, m), setUpdate(fields))
	if err != nil {
		return classify("set location fields", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("set location fields: %w", ErrNotFound)
	}
	return nil
}

// SetLocationField implements Store.
func (s *MongoStore) SetLocationField(ctx context.Context, id RunID, m Match, field string, value any) error {
	return s.SetLocationFields(ctx, id, m, map[string]any{field: value})
}

// RemoveLocation implements Store with $pull.
func (s *MongoStore) RemoveLocation(ctx context.Context, id RunID, m Match) error {
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.collection.UpdateOne(opCtx, elementFilter(id, m),
		bson.D{{Key: "$pull", Value: bson.D{{Key: "data", Value: elementCriteria(m)}}}})
	if err != nil {
		return classify("remove location", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("remove location: %w", ErrNotFound)
	}
	return nil
}

// buildQuery renders a Filter as a server-side query.
func buildQuery(f Filter) bson.D {
	q := bson.D{}
	if f.Number != nil {
		q = append(q, bson.E{Key: "number", Value: *f.Number})
	}
	if f.Name != "" {
		q = append(q, bson.E{Key: "name", Value: f.Name})
	}
	if f.Detector != "" {
		q = append(q, bson.E{Key: "detector", Value: f.Detector})
	}
	if len(f.Names) > 0 {
		q = append(q, bson.E{Key: "name", Value: bson.D{{Key: "$in", Value: f.Names}}})
	}
	if f.ExcludeTag != "" {
		q = append(q, bson.E{Key: "tags", Value: bson.D{{Key: "$not", Value: bson.D{
			{Key: "$elemMatch", Value: bson.D{{Key: "name", Value: f.ExcludeTag}}},
		}}}})
	}
	q = append(q, f.Query...)
	return q
}

// elementCriteria renders m as the body of an $elemMatch or $pull.
func elementCriteria(m Match) bson.D {
	c := bson.D{}
	if m.Host != "" {
		c = append(c, bson.E{Key: "host", Value: m.Host})
	}
	if m.Type != "" {
		c = append(c, bson.E{Key: "type", Value: string(m.Type)})
	}
	if m.Location != "" {
		c = append(c, bson.E{Key: "location", Value: m.Location})
	}
	if m.PaxVersion != "" {
		c = append(c, bson.E{Key: "pax_version", Value: m.PaxVersion})
	}
	if m.Status != "" {
		c = append(c, bson.E{Key: "status", Value: string(m.Status)})
	}
	return c
}

// elementFilter selects the run only if one of its elements matches m, so the
// positional operator in the update refers to that element.
func elementFilter(id RunID, m Match) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "data", Value: bson.D{{Key: "$elemMatch", Value: elementCriteria(m)}}},
	}
}

// appendFilter selects the run only if it has no location for the same host
// and dataset, whatever its status.
func appendFilter(id RunID, loc models.DataLocation) bson.D {
	guard := bson.D{
		{Key: "host", Value: loc.Host},
		{Key: "type", Value: string(loc.Type)},
	}
	if loc.PaxVersion != "" {
		guard = append(guard, bson.E{Key: "pax_version", Value: loc.PaxVersion})
	} else {
		// Matches both a missing and a null field.
		guard = append(guard, bson.E{Key: "pax_version", Value: nil})
	}
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "data", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$elemMatch", Value: guard}}}}},
	}
}

// setUpdate renders a positional $set for fields, in a stable key order.
func setUpdate(fields map[string]any) bson.D {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := bson.D{}
	for _, k := range keys {
		set = append(set, bson.E{Key: "data.$." + k, Value: fields[k]})
	}
	return bson.D{{Key: "$set", Value: set}}
}

var _ Store = (*MongoStore)(nil)
