package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/geoflow/pkg/api"
)

// RedisStore is a StateStore and CallbackStore backed by Redis.
// It uses the following key structure:
//
//	<prefix>rec:<group>:<item-ids>   => HASH state record
//	<prefix>exec:<group>:<item-ids>  => LIST execution refs
//	<prefix>idx:state:<group>        => ZSET "<state_updated>|<item-ids>"
//	<prefix>idx:updated:<group>      => ZSET "<updated_at>|<item-ids>"
//	<prefix>idx:keys:<group>         => ZSET "<item-ids>"
//	<prefix>cb:<token>               => HASH callback record
//	<prefix>cbidx:<fingerprint>      => ZSET tokens
//
// All index members have score 0 so ranges are read with ZRANGEBYLEX. Sort
// values have a fixed width per index, which keeps "<sort>|<ids>" members in
// (sort, ids) order. State writes run as Lua scripts so the record and its
// index entries change atomically. On Redis Cluster, use a prefix carrying a
// hash tag (e.g. "{geoflow}:") so every key maps to the same slot.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// Ensure RedisStore implements the interfaces.
var _ StateStore = (*RedisStore)(nil)

var _ CallbackStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "geoflow:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "geoflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyRecord(k api.Key) string {
	return r.prefix + "rec:" + k.CollectionsWorkflow() + ":" + k.ItemIDs
}

func (r *RedisStore) keyExecutions(k api.Key) string {
	return r.prefix + "exec:" + k.CollectionsWorkflow() + ":" + k.ItemIDs
}

func (r *RedisStore) keyIndex(idx IndexKind, group string) string {
	switch idx {
	case IndexState:
		return r.prefix + "idx:state:" + group
	case IndexUpdated:
		return r.prefix + "idx:updated:" + group
	default:
		return r.prefix + "idx:keys:" + group
	}
}

func (r *RedisStore) stateKeys(k api.Key) []string {
	g := k.CollectionsWorkflow()
	return []string{
		r.keyRecord(k),
		r.keyIndex(IndexState, g),
		r.keyIndex(IndexUpdated, g),
		r.keyIndex(IndexPrimary, g),
		r.keyExecutions(k),
	}
}

func (r *RedisStore) keyCallback(token string) string {
	return r.prefix + "cb:" + token
}

func (r *RedisStore) keyCallbackIndex(fp api.Fingerprint) string {
	return r.prefix + "cbidx:" + string(fp)
}

// writeStateScript updates a state record and its index entries.
//
// KEYS: record, state index, updated index, key index
// ARGV: mode (claim|set), item ids, collections, workflow, state,
// state_updated, updated_at, outputs JSON ("" keeps), last error ("" keeps)
//
// Returns 0 when a claim finds the record PROCESSING, 1 otherwise.
var writeStateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if ARGV[1] == 'claim' and cur == 'PROCESSING' then
	return 0
end
local ids = ARGV[2]
local oldSU = redis.call('HGET', KEYS[1], 'state_updated')
local oldU = redis.call('HGET', KEYS[1], 'updated_at')
if oldSU then redis.call('ZREM', KEYS[2], oldSU .. '|' .. ids) end
if oldU then redis.call('ZREM', KEYS[3], oldU .. '|' .. ids) end
if not cur then
	redis.call('HSET', KEYS[1], 'created_at', ARGV[7])
end
redis.call('HSET', KEYS[1],
	'collections', ARGV[3], 'workflow', ARGV[4], 'item_ids', ids,
	'state', ARGV[5], 'state_updated', ARGV[6], 'updated_at', ARGV[7])
if ARGV[1] == 'claim' then
	redis.call('HDEL', KEYS[1], 'outputs', 'last_error')
else
	if ARGV[8] ~= '' then redis.call('HSET', KEYS[1], 'outputs', ARGV[8]) end
	if ARGV[9] ~= '' then redis.call('HSET', KEYS[1], 'last_error', ARGV[9]) end
end
redis.call('ZADD', KEYS[2], 0, ARGV[6] .. '|' .. ids)
redis.call('ZADD', KEYS[3], 0, ARGV[7] .. '|' .. ids)
redis.call('ZADD', KEYS[4], 0, ids)
return 1
`)

var appendExecutionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[5], ARGV[1])
return 1
`)

var deleteStateScript = redis.NewScript(`
local ids = ARGV[1]
local su = redis.call('HGET', KEYS[1], 'state_updated')
local u = redis.call('HGET', KEYS[1], 'updated_at')
if su then redis.call('ZREM', KEYS[2], su .. '|' .. ids) end
if u then redis.call('ZREM', KEYS[3], u .. '|' .. ids) end
redis.call('ZREM', KEYS[4], ids)
redis.call('DEL', KEYS[1], KEYS[5])
return 1
`)

func (r *RedisStore) Claim(ctx context.Context, key api.Key, now time.Time) error {
	return r.claim(ctx, key, api.StateProcessing, now)
}

func (r *RedisStore) Enqueue(ctx context.Context, key api.Key, now time.Time) error {
	return r.claim(ctx, key, api.StateQueued, now)
}

func (r *RedisStore) claim(ctx context.Context, key api.Key, state api.State, now time.Time) error {
	ok, err := r.writeState(ctx, "claim", key, state, now, "", "")
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrAlreadyProcessing
	}
	return nil
}

func (r *RedisStore) Transition(ctx context.Context, key api.Key, t Transition) error {
	outputs := ""
	if t.Outputs != nil {
		data, err := json.Marshal(t.Outputs)
		if err != nil {
			return err
		}
		outputs = string(data)
	}
	_, err := r.writeState(ctx, "set", key, t.State, t.At, outputs, t.Error)
	return err
}

func (r *RedisStore) writeState(ctx context.Context, mode string, key api.Key, state api.State, at time.Time, outputs, lastErr string) (bool, error) {
	n, err := writeStateScript.Run(ctx, r.client, r.stateKeys(key)[:4],
		mode,
		key.ItemIDs,
		key.Collections,
		key.Workflow,
		string(state),
		api.StateTimestamp(state, at),
		api.FormatTimestamp(at),
		outputs,
		lastErr,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) AppendExecution(ctx context.Context, key api.Key, ref string) error {
	n, err := appendExecutionScript.Run(ctx, r.client, r.stateKeys(key), ref).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key api.Key) (*api.StateRecord, error) {
	recs, err := r.fetch(ctx, []api.Key{key})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrRecordNotFound
	}
	return recs[0], nil
}

func (r *RedisStore) GetMany(ctx context.Context, keys []api.Key) ([]*api.StateRecord, error) {
	return r.fetch(ctx, uniqueKeys(keys))
}

// fetch loads records in one pipeline, skipping missing ones.
func (r *RedisStore) fetch(ctx context.Context, keys []api.Key) ([]*api.StateRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	hashes := make([]*redis.MapStringStringCmd, len(keys))
	execs := make([]*redis.StringSliceCmd, len(keys))
	for i, k := range keys {
		hashes[i] = pipe.HGetAll(ctx, r.keyRecord(k))
		execs[i] = pipe.LRange(ctx, r.keyExecutions(k), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*api.StateRecord, 0, len(keys))
	for i := range keys {
		fields, err := hashes[i].Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRedisRecord(fields)
		if err != nil {
			return nil, err
		}
		rec.Executions, err = execs[i].Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRedisRecord(fields map[string]string) (*api.StateRecord, error) {
	rec := &api.StateRecord{
		Key: api.Key{
			Collections: fields["collections"],
			Workflow:    fields["workflow"],
			ItemIDs:     fields["item_ids"],
		},
		State:        api.State(fields["state"]),
		StateUpdated: fields["state_updated"],
		LastError:    fields["last_error"],
	}
	var err error
	if rec.CreatedAt, err = api.ParseTimestamp(fields["created_at"]); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = api.ParseTimestamp(fields["updated_at"]); err != nil {
		return nil, err
	}
	if raw := fields["outputs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	return rec, nil
}

// lexRange converts inclusive sort value bounds into ZRANGEBYLEX bounds.
func lexRange(idx IndexKind, lower, upper string, after *Cursor) (string, string) {
	if idx == IndexPrimary {
		if after != nil {
			return "(" + after.ItemIDs, "+"
		}
		return "-", "+"
	}
	lo, hi := "-", "+"
	if lower != "" {
		lo = "[" + lower
	}
	if upper != "" {
		hi = "[" + upper + "|\xff"
	}
	if after != nil {
		lo = "(" + after.Sort + "|" + after.ItemIDs
	}
	return lo, hi
}

func (r *RedisStore) Page(ctx context.Context, q ListQuery) (*Page, error) {
	limit := fetchLimit(q.Limit)
	lo, hi := lexRange(q.Index, q.Lower, q.Upper, q.After)
	members, err := r.client.ZRangeByLex(ctx, r.keyIndex(q.Index, q.Group), &redis.ZRangeBy{
		Min:   lo,
		Max:   hi,
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, err
	}

	more := len(members) > limit
	if more {
		members = members[:limit]
	}
	keys := make([]api.Key, 0, len(members))
	for _, m := range members {
		ids := m
		if q.Index != IndexPrimary {
			_, ids, _ = strings.Cut(m, "|")
		}
		keys = append(keys, groupKey(q.Group, ids))
	}
	recs, err := r.fetchOrdered(ctx, keys)
	if err != nil {
		return nil, err
	}

	page := &Page{Records: recs}
	if more && len(members) > 0 {
		last := members[len(members)-1]
		c := &Cursor{Group: q.Group, Index: q.Index, ItemIDs: last}
		if q.Index != IndexPrimary {
			c.Sort, c.ItemIDs, _ = strings.Cut(last, "|")
		}
		page.Next = c
	}
	return page, nil
}

// fetchOrdered is fetch preserving the order of keys.
func (r *RedisStore) fetchOrdered(ctx context.Context, keys []api.Key) ([]*api.StateRecord, error) {
	recs, err := r.fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	byIDs := make(map[string]*api.StateRecord, len(recs))
	for _, rec := range recs {
		byIDs[rec.Key.ItemIDs] = rec
	}
	out := make([]*api.StateRecord, 0, len(recs))
	for _, k := range keys {
		if rec, ok := byIDs[k.ItemIDs]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// groupKey rebuilds a key from a collection group and item ids. Only the
// record and execution key names are derived from it, and those use the
// group verbatim, so the split of the group into collections and workflow
// does not need to be exact.
func groupKey(group, itemIDs string) api.Key {
	i := strings.LastIndex(group, "_")
	if i < 0 {
		return api.Key{Collections: group, ItemIDs: itemIDs}
	}
	return api.Key{Collections: group[:i], Workflow: group[i+1:], ItemIDs: itemIDs}
}

func (r *RedisStore) Count(ctx context.Context, q CountQuery) (int64, bool, error) {
	lo, hi := lexRange(q.Index, q.Lower, q.Upper, nil)
	n, err := r.client.ZLexCount(ctx, r.keyIndex(q.Index, q.Group), lo, hi).Result()
	if err != nil {
		return 0, false, err
	}
	return capCount(n, q.Limit)
}

func (r *RedisStore) Delete(ctx context.Context, key api.Key) error {
	return deleteStateScript.Run(ctx, r.client, r.stateKeys(key), key.ItemIDs).Err()
}

// putCallbackScript writes a callback record unless it already expires.
//
// KEYS: record, fingerprint index
// ARGV: token, fingerprint, items JSON, state, expires_at unix ("" for none)
var putCallbackScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], 'expires_at') == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'fingerprint', ARGV[2], 'items', ARGV[3], 'workflow_state', ARGV[4])
if ARGV[5] ~= '' then
	redis.call('HSET', KEYS[1], 'expires_at', ARGV[5])
	redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[5]))
end
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 1
`)

// resolveCallbackScript returns -1 for a missing token, 0 when already
// resolved and 1 on success.
var resolveCallbackScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HEXISTS', KEYS[1], 'expires_at') == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'workflow_state', ARGV[1], 'expires_at', ARGV[2])
redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[2]))
return 1
`)

func (r *RedisStore) PutCallback(ctx context.Context, rec *api.CallbackRecord) error {
	items, err := json.Marshal(nonNil(rec.Items))
	if err != nil {
		return err
	}
	expires := ""
	if rec.ExpiresAt != nil {
		expires = strconv.FormatInt(rec.ExpiresAt.Unix(), 10)
	}
	n, err := putCallbackScript.Run(ctx, r.client,
		[]string{r.keyCallback(rec.Token), r.keyCallbackIndex(rec.Fingerprint)},
		rec.Token, string(rec.Fingerprint), string(items), string(rec.WorkflowState), expires,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return api.ErrCallbackResolved
	}
	return nil
}

func (r *RedisStore) ResolveCallback(ctx context.Context, token string, state api.State, expiresAt time.Time) error {
	n, err := resolveCallbackScript.Run(ctx, r.client,
		[]string{r.keyCallback(token)},
		string(state), strconv.FormatInt(expiresAt.Unix(), 10),
	).Int()
	if err != nil {
		return err
	}
	switch n {
	case -1:
		return ErrCallbackNotFound
	case 0:
		return api.ErrCallbackResolved
	default:
		return nil
	}
}

func (r *RedisStore) GetCallback(ctx context.Context, token string) (*api.CallbackRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.keyCallback(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrCallbackNotFound
	}
	rec := &api.CallbackRecord{
		Token:         token,
		Fingerprint:   api.Fingerprint(fields["fingerprint"]),
		WorkflowState: api.State(fields["workflow_state"]),
	}
	if err := json.Unmarshal([]byte(fields["items"]), &rec.Items); err != nil {
		return nil, fmt.Errorf("decode callback items: %w", err)
	}
	if raw := fields["expires_at"]; raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode callback expiration: %w", err)
		}
		exp := time.Unix(sec, 0).UTC()
		rec.ExpiresAt = &exp
	}
	return rec, nil
}

func (r *RedisStore) QueryCallbacks(ctx context.Context, fp api.Fingerprint, excludeFinal bool, after string, limit int) ([]string, string, error) {
	limit = fetchLimit(limit)
	lo := "-"
	if after != "" {
		lo = "(" + after
	}
	idxKey := r.keyCallbackIndex(fp)
	tokens, err := r.client.ZRangeByLex(ctx, idxKey, &redis.ZRangeBy{
		Min:   lo,
		Max:   "+",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(tokens) > limit {
		tokens = tokens[:limit]
		next = tokens[limit-1]
	}
	if len(tokens) == 0 {
		return nil, next, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(tokens))
	for i, token := range tokens {
		cmds[i] = pipe.HMGet(ctx, r.keyCallback(token), "fingerprint", "workflow_state")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, "", err
	}

	out := make([]string, 0, len(tokens))
	var stale []any
	for i, token := range tokens {
		vals, err := cmds[i].Result()
		if err != nil {
			return nil, "", err
		}
		storedFP, _ := vals[0].(string)
		state, _ := vals[1].(string)
		if storedFP != string(fp) {
			// expired or re-pointed at another fingerprint
			stale = append(stale, token)
			continue
		}
		if excludeFinal && api.State(state).IsFinal() {
			continue
		}
		out = append(out, token)
	}
	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, idxKey, stale...).Err()
	}
	return out, next, nil
}

func (r *RedisStore) DeleteCallback(ctx context.Context, token string) error {
	fp, err := r.client.HGet(ctx, r.keyCallback(token), "fingerprint").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.keyCallback(token))
	pipe.ZRem(ctx, r.keyCallbackIndex(api.Fingerprint(fp)), token)
	_, err = pipe.Exec(ctx)
	return err
}
