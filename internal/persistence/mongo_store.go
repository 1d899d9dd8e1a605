package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/geoflow/pkg/api"
)

// MongoStore is a StateStore and CallbackStore backed by MongoDB.
//
// Conditional writes are upserts whose filter excludes the conflicting
// document; when the document exists but does not match, the insert half of
// the upsert fails with a duplicate key error, which is reported as the
// conflict.
type MongoStore struct {
	states    *mongo.Collection
	callbacks *mongo.Collection
}

// Ensure MongoStore implements the interfaces.
var _ StateStore = (*MongoStore)(nil)

var _ CallbackStore = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "geoflow" if empty. Call EnsureIndexes once at startup.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "geoflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		states:    db.Collection("payload_states"),
		callbacks: db.Collection("payload_callbacks"),
	}
}

// EnsureIndexes creates the list indexes and the TTL index that disposes of
// resolved callback records.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.states.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "collections_workflow", Value: 1}, {Key: "item_ids", Value: 1}}},
		{Keys: bson.D{{Key: "collections_workflow", Value: 1}, {Key: "state_updated", Value: 1}, {Key: "item_ids", Value: 1}}},
		{Keys: bson.D{{Key: "collections_workflow", Value: 1}, {Key: "updated_at", Value: 1}, {Key: "item_ids", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.callbacks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "fingerprint", Value: 1}, {Key: "_id", Value: 1}}},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

type mongoStateDoc struct {
	ID           string   `bson:"_id"`
	Group        string   `bson:"collections_workflow"`
	ItemIDs      string   `bson:"item_ids"`
	Collections  string   `bson:"collections"`
	Workflow     string   `bson:"workflow"`
	State        string   `bson:"state"`
	StateUpdated string   `bson:"state_updated"`
	CreatedAt    string   `bson:"created_at"`
	UpdatedAt    string   `bson:"updated_at"`
	Executions   []string `bson:"executions"`
	Outputs      []string `bson:"outputs,omitempty"`
	LastError    string   `bson:"last_error,omitempty"`
}

func (d *mongoStateDoc) record() (*api.StateRecord, error) {
	rec := &api.StateRecord{
		Key:          api.Key{Collections: d.Collections, Workflow: d.Workflow, ItemIDs: d.ItemIDs},
		State:        api.State(d.State),
		StateUpdated: d.StateUpdated,
		Executions:   d.Executions,
		Outputs:      d.Outputs,
		LastError:    d.LastError,
	}
	var err error
	if rec.CreatedAt, err = api.ParseTimestamp(d.CreatedAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = api.ParseTimestamp(d.UpdatedAt); err != nil {
		return nil, err
	}
	return rec, nil
}

func stateFields(key api.Key, state api.State, at time.Time) bson.M {
	return bson.M{
		"collections_workflow": key.CollectionsWorkflow(),
		"item_ids":             key.ItemIDs,
		"collections":          key.Collections,
		"workflow":             key.Workflow,
		"state":                string(state),
		"state_updated":        api.StateTimestamp(state, at),
		"updated_at":           api.FormatTimestamp(at),
	}
}

func onInsert(at time.Time) bson.M {
	return bson.M{
		"created_at": api.FormatTimestamp(at),
		"executions": bson.A{},
	}
}

func (s *MongoStore) Claim(ctx context.Context, key api.Key, now time.Time) error {
	return s.claim(ctx, key, api.StateProcessing, now)
}

func (s *MongoStore) Enqueue(ctx context.Context, key api.Key, now time.Time) error {
	return s.claim(ctx, key, api.StateQueued, now)
}

func (s *MongoStore) claim(ctx context.Context, key api.Key, state api.State, now time.Time) error {
	filter := bson.M{
		"_id":   string(key.PayloadID()),
		"state": bson.M{"$ne": string(api.StateProcessing)},
	}
	update := bson.M{
		"$set":         stateFields(key, state, now),
		"$unset":       bson.M{"outputs": "", "last_error": ""},
		"$setOnInsert": onInsert(now),
	}
	_, err := s.states.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrAlreadyProcessing
	}
	return err
}

func (s *MongoStore) Transition(ctx context.Context, key api.Key, t Transition) error {
	set := stateFields(key, t.State, t.At)
	if t.Outputs != nil {
		set["outputs"] = t.Outputs
	}
	if t.Error != "" {
		set["last_error"] = t.Error
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": onInsert(t.At),
	}
	_, err := s.states.UpdateOne(ctx, bson.M{"_id": string(key.PayloadID())}, update, options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) AppendExecution(ctx context.Context, key api.Key, ref string) error {
	res, err := s.states.UpdateByID(ctx, string(key.PayloadID()), bson.M{
		"$push": bson.M{"executions": ref},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key api.Key) (*api.StateRecord, error) {
	var doc mongoStateDoc
	err := s.states.FindOne(ctx, bson.M{"_id": string(key.PayloadID())}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *MongoStore) GetMany(ctx context.Context, keys []api.Key) ([]*api.StateRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ids := make(bson.A, 0, len(keys))
	for _, k := range uniqueKeys(keys) {
		ids = append(ids, string(k.PayloadID()))
	}
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find())
}

func (s *MongoStore) find(ctx context.Context, filter any, opts *options.FindOptions) ([]*api.StateRecord, error) {
	cur, err := s.states.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.StateRecord
	for cur.Next(ctx) {
		var doc mongoStateDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

func mongoRangeFilter(group string, idx IndexKind, lower, upper string) bson.M {
	filter := bson.M{"collections_workflow": group}
	if idx == IndexPrimary {
		return filter
	}
	bounds := bson.M{}
	if lower != "" {
		bounds["$gte"] = lower
	}
	if upper != "" {
		bounds["$lte"] = upper
	}
	if len(bounds) > 0 {
		filter[sortColumn(idx)] = bounds
	}
	return filter
}

func (s *MongoStore) Page(ctx context.Context, q ListQuery) (*Page, error) {
	filter := mongoRangeFilter(q.Group, q.Index, q.Lower, q.Upper)
	col := sortColumn(q.Index)
	sort := bson.D{{Key: col, Value: 1}}
	if q.Index != IndexPrimary {
		sort = append(sort, bson.E{Key: "item_ids", Value: 1})
	}
	if q.After != nil {
		if q.Index == IndexPrimary {
			filter["item_ids"] = bson.M{"$gt": q.After.ItemIDs}
		} else {
			filter["$or"] = bson.A{
				bson.M{col: bson.M{"$gt": q.After.Sort}},
				bson.M{col: q.After.Sort, "item_ids": bson.M{"$gt": q.After.ItemIDs}},
			}
		}
	}
	limit := fetchLimit(q.Limit)
	recs, err := s.find(ctx, filter, options.Find().SetSort(sort).SetLimit(int64(limit+1)))
	if err != nil {
		return nil, err
	}
	page := &Page{Records: recs}
	if len(recs) > limit {
		page.Records = recs[:limit]
		page.Next = pageCursor(q, recs[limit-1])
	}
	return page, nil
}

func (s *MongoStore) Count(ctx context.Context, q CountQuery) (int64, bool, error) {
	opts := options.Count()
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit + 1))
	}
	n, err := s.states.CountDocuments(ctx, mongoRangeFilter(q.Group, q.Index, q.Lower, q.Upper), opts)
	if err != nil {
		return 0, false, err
	}
	return capCount(n, q.Limit)
}

func (s *MongoStore) Delete(ctx context.Context, key api.Key) error {
	_, err := s.states.DeleteOne(ctx, bson.M{"_id": string(key.PayloadID())})
	return err
}

type mongoCallbackDoc struct {
	Token         string     `bson:"_id"`
	Fingerprint   string     `bson:"fingerprint"`
	Items         []string   `bson:"items"`
	WorkflowState string     `bson:"workflow_state"`
	ExpiresAt     *time.Time `bson:"expires_at,omitempty"`
}

func (s *MongoStore) PutCallback(ctx context.Context, rec *api.CallbackRecord) error {
	set := bson.M{
		"fingerprint":    string(rec.Fingerprint),
		"items":          nonNil(rec.Items),
		"workflow_state": string(rec.WorkflowState),
	}
	if rec.ExpiresAt != nil {
		set["expires_at"] = rec.ExpiresAt.UTC()
	}
	filter := bson.M{"_id": rec.Token, "expires_at": bson.M{"$exists": false}}
	_, err := s.callbacks.UpdateOne(ctx, filter, bson.M{"$set": set}, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrCallbackResolved
	}
	return err
}

func (s *MongoStore) ResolveCallback(ctx context.Context, token string, state api.State, expiresAt time.Time) error {
	res, err := s.callbacks.UpdateOne(ctx,
		bson.M{"_id": token, "expires_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"workflow_state": string(state), "expires_at": expiresAt.UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if _, err := s.GetCallback(ctx, token); err != nil {
		return err
	}
	return api.ErrCallbackResolved
}

func (s *MongoStore) GetCallback(ctx context.Context, token string) (*api.CallbackRecord, error) {
	var doc mongoCallbackDoc
	err := s.callbacks.FindOne(ctx, bson.M{"_id": token}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrCallbackNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := &api.CallbackRecord{
		Token:         doc.Token,
		Fingerprint:   api.Fingerprint(doc.Fingerprint),
		Items:         doc.Items,
		WorkflowState: api.State(doc.WorkflowState),
	}
	if doc.ExpiresAt != nil {
		exp := doc.ExpiresAt.UTC()
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

func (s *MongoStore) QueryCallbacks(ctx context.Context, fp api.Fingerprint, excludeFinal bool, after string, limit int) ([]string, string, error) {
	limit = fetchLimit(limit)
	filter := bson.M{"fingerprint": string(fp)}
	if after != "" {
		filter["_id"] = bson.M{"$gt": after}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit + 1)).
		SetProjection(bson.M{"_id": 1, "workflow_state": 1})
	cur, err := s.callbacks.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", err
	}
	defer cur.Close(ctx)

	var docs []mongoCallbackDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, "", err
	}
	next := ""
	if len(docs) > limit {
		docs = docs[:limit]
		next = docs[limit-1].Token
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if excludeFinal && api.State(d.WorkflowState).IsFinal() {
			continue
		}
		out = append(out, d.Token)
	}
	return out, next, nil
}

func (s *MongoStore) DeleteCallback(ctx context.Context, token string) error {
	_, err := s.callbacks.DeleteOne(ctx, bson.M{"_id": token})
	return err
}
