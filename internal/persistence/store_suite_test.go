package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/petrijr/geoflow/pkg/api"
)

// Store is what every backend under test implements.
type Store interface {
	StateStore
	CallbackStore
}

// StoreSuite runs the same behavioural checks against every backend. Each
// backend test provides newStore, which must return an empty store.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore()
}

func testKey(ids string) api.Key {
	return api.Key{Collections: "landsat-c2l2", Workflow: "cog-archive", ItemIDs: ids}
}

func (s *StoreSuite) get(key api.Key) *api.StateRecord {
	rec, err := s.store.Get(s.ctx, key)
	s.Require().NoError(err)
	return rec
}

func (s *StoreSuite) TestClaimCreatesRecord() {
	key := testKey("LC09_001")
	s.Require().NoError(s.store.Claim(s.ctx, key, t0))

	rec := s.get(key)
	s.Equal(api.StateProcessing, rec.State)
	s.Equal(api.StateTimestamp(api.StateProcessing, t0), rec.StateUpdated)
	s.True(rec.CreatedAt.Equal(t0))
	s.True(rec.UpdatedAt.Equal(t0))
	s.Empty(rec.Executions)
	s.Empty(rec.Outputs)
	s.Equal(key, rec.Key)
}

func (s *StoreSuite) TestClaimConflict() {
	key := testKey("LC09_001")
	s.Require().NoError(s.store.Claim(s.ctx, key, t0))

	err := s.store.Claim(s.ctx, key, t0.Add(time.Minute))
	s.ErrorIs(err, api.ErrAlreadyProcessing)

	err = s.store.Enqueue(s.ctx, key, t0.Add(time.Minute))
	s.ErrorIs(err, api.ErrAlreadyProcessing)

	rec := s.get(key)
	s.True(rec.UpdatedAt.Equal(t0), "conflicting claim must not write")
}

func (s *StoreSuite) TestReclaimAfterFinalState() {
	key := testKey("LC09_001")
	s.Require().NoError(s.store.Claim(s.ctx, key, t0))
	s.Require().NoError(s.store.AppendExecution(s.ctx, key, "exec-1"))
	s.Require().NoError(s.store.Transition(s.ctx, key, Transition{
		State:   api.StateFailed,
		At:      t0.Add(time.Minute),
		Outputs: []string{"s3://out/a.json"},
		Error:   "boom",
	}))

	later := t0.Add(time.Hour)
	s.Require().NoError(s.store.Claim(s.ctx, key, later))

	rec := s.get(key)
	s.Equal(api.StateProcessing, rec.State)
	s.True(rec.CreatedAt.Equal(t0), "created_at is kept")
	s.True(rec.UpdatedAt.Equal(later))
	s.Equal([]string{"exec-1"}, rec.Executions)
	s.Empty(rec.Outputs)
	s.Empty(rec.LastError)
}

func (s *StoreSuite) TestEnqueueThenClaim() {
	key := testKey("LC09_002")
	s.Require().NoError(s.store.Enqueue(s.ctx, key, t0))
	s.Equal(api.StateQueued, s.get(key).State)

	s.Require().NoError(s.store.Claim(s.ctx, key, t0.Add(time.Second)))
	s.Equal(api.StateProcessing, s.get(key).State)
}

func (s *StoreSuite) TestTransitionKeepsOutputsAndError() {
	key := testKey("LC09_003")
	s.Require().NoError(s.store.Transition(s.ctx, key, Transition{
		State:   api.StateCompleted,
		At:      t0,
		Outputs: []string{"s3://out/1.json", "s3://out/2.json"},
	}))
	s.Require().NoError(s.store.Transition(s.ctx, key, Transition{
		State: api.StateAborted,
		At:    t0.Add(time.Minute),
	}))

	rec := s.get(key)
	s.Equal(api.StateAborted, rec.State)
	s.Equal([]string{"s3://out/1.json", "s3://out/2.json"}, rec.Outputs)
	s.True(rec.CreatedAt.Equal(t0))

	s.Require().NoError(s.store.Transition(s.ctx, key, Transition{
		State: api.StateFailed,
		At:    t0.Add(2 * time.Minute),
		Error: "task timed out",
	}))
	s.Equal("task timed out", s.get(key).LastError)
}

func (s *StoreSuite) TestAppendExecution() {
	key := testKey("LC09_004")
	err := s.store.AppendExecution(s.ctx, key, "exec-0")
	s.ErrorIs(err, ErrRecordNotFound)

	s.Require().NoError(s.store.Claim(s.ctx, key, t0))
	for i := 1; i <= 3; i++ {
		s.Require().NoError(s.store.AppendExecution(s.ctx, key, fmt.Sprintf("exec-%d", i)))
	}
	s.Equal([]string{"exec-1", "exec-2", "exec-3"}, s.get(key).Executions)
}

func (s *StoreSuite) TestGetMissing() {
	_, err := s.store.Get(s.ctx, testKey("missing"))
	s.ErrorIs(err, ErrRecordNotFound)
}

func (s *StoreSuite) TestGetMany() {
	a, b := testKey("a"), testKey("b")
	s.Require().NoError(s.store.Claim(s.ctx, a, t0))
	s.Require().NoError(s.store.Claim(s.ctx, b, t0))

	recs, err := s.store.GetMany(s.ctx, []api.Key{a, testKey("missing"), b, a})
	s.Require().NoError(err)

	var ids []string
	for _, r := range recs {
		ids = append(ids, r.Key.ItemIDs)
	}
	s.ElementsMatch([]string{"a", "b"}, ids)

	recs, err = s.store.GetMany(s.ctx, nil)
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *StoreSuite) collect(q ListQuery) ([]string, int) {
	var (
		ids   []string
		pages int
	)
	for {
		page, err := s.store.Page(s.ctx, q)
		s.Require().NoError(err)
		pages++
		for _, r := range page.Records {
			ids = append(ids, r.Key.ItemIDs)
		}
		if page.Next == nil {
			return ids, pages
		}
		s.Require().NoError(page.Next.Matches(q.Group, q.Index))
		q.After = page.Next
	}
}

func (s *StoreSuite) TestPagePrimary() {
	for _, id := range []string{"e", "c", "a", "d", "b"} {
		s.Require().NoError(s.store.Claim(s.ctx, testKey(id), t0))
	}
	other := api.Key{Collections: "sentinel-2", Workflow: "cog-archive", ItemIDs: "z"}
	s.Require().NoError(s.store.Claim(s.ctx, other, t0))

	ids, pages := s.collect(ListQuery{Group: testKey("").CollectionsWorkflow(), Index: IndexPrimary, Limit: 2})
	s.Equal([]string{"a", "b", "c", "d", "e"}, ids)
	s.Equal(3, pages)
}

func (s *StoreSuite) TestPageExactMultipleHasNoEmptyTrailingPage() {
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Require().NoError(s.store.Claim(s.ctx, testKey(id), t0))
	}
	ids, pages := s.collect(ListQuery{Group: testKey("").CollectionsWorkflow(), Index: IndexPrimary, Limit: 2})
	s.Equal([]string{"a", "b", "c", "d"}, ids)
	s.Equal(2, pages)
}

func (s *StoreSuite) TestPageStateIndex() {
	group := testKey("").CollectionsWorkflow()
	// b and c share a timestamp and are ordered by item ids.
	s.Require().NoError(s.store.Transition(s.ctx, testKey("c"), Transition{State: api.StateFailed, At: t0.Add(2 * time.Minute)}))
	s.Require().NoError(s.store.Transition(s.ctx, testKey("b"), Transition{State: api.StateFailed, At: t0.Add(2 * time.Minute)}))
	s.Require().NoError(s.store.Transition(s.ctx, testKey("a"), Transition{State: api.StateFailed, At: t0.Add(3 * time.Minute)}))
	s.Require().NoError(s.store.Transition(s.ctx, testKey("d"), Transition{State: api.StateFailed, At: t0}))
	s.Require().NoError(s.store.Transition(s.ctx, testKey("x"), Transition{State: api.StateCompleted, At: t0}))

	ids, _ := s.collect(ListQuery{
		Group: group,
		Index: IndexState,
		Lower: string(api.StateFailed) + "_",
		Upper: string(api.StateFailed) + "_" + api.MaxTimestamp,
		Limit: 1,
	})
	s.Equal([]string{"d", "b", "c", "a"}, ids)

	ids, _ = s.collect(ListQuery{
		Group: group,
		Index: IndexState,
		Lower: api.StateTimestamp(api.StateFailed, t0.Add(time.Minute)),
		Upper: api.StateTimestamp(api.StateFailed, t0.Add(2*time.Minute)),
	})
	s.Equal([]string{"b", "c"}, ids)
}

func (s *StoreSuite) TestPageUpdatedIndex() {
	group := testKey("").CollectionsWorkflow()
	s.Require().NoError(s.store.Claim(s.ctx, testKey("a"), t0.Add(2*time.Hour)))
	s.Require().NoError(s.store.Claim(s.ctx, testKey("b"), t0))
	s.Require().NoError(s.store.Claim(s.ctx, testKey("c"), t0.Add(time.Hour)))

	ids, _ := s.collect(ListQuery{
		Group: group,
		Index: IndexUpdated,
		Lower: api.FormatTimestamp(t0.Add(30 * time.Minute)),
		Upper: api.FormatTimestamp(t0.Add(3 * time.Hour)),
		Limit: 1,
	})
	s.Equal([]string{"c", "a"}, ids)
}

func (s *StoreSuite) TestCount() {
	group := testKey("").CollectionsWorkflow()
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.Transition(s.ctx, testKey(fmt.Sprintf("s%d", i)), Transition{State: api.StateCompleted, At: t0}))
	}
	s.Require().NoError(s.store.Transition(s.ctx, testKey("f0"), Transition{State: api.StateFailed, At: t0}))

	succeeded := CountQuery{
		Group: group,
		Index: IndexState,
		Lower: string(api.StateCompleted) + "_",
		Upper: string(api.StateCompleted) + "_" + api.MaxTimestamp,
	}
	n, over, err := s.store.Count(s.ctx, succeeded)
	s.Require().NoError(err)
	s.Equal(int64(5), n)
	s.False(over)

	succeeded.Limit = 3
	n, over, err = s.store.Count(s.ctx, succeeded)
	s.Require().NoError(err)
	s.Equal(int64(3), n)
	s.True(over)

	succeeded.Limit = 5
	n, over, err = s.store.Count(s.ctx, succeeded)
	s.Require().NoError(err)
	s.Equal(int64(5), n)
	s.False(over)

	n, _, err = s.store.Count(s.ctx, CountQuery{Group: group, Index: IndexPrimary})
	s.Require().NoError(err)
	s.Equal(int64(6), n)
}

func (s *StoreSuite) TestDelete() {
	key := testKey("gone")
	s.Require().NoError(s.store.Claim(s.ctx, key, t0))
	s.Require().NoError(s.store.Delete(s.ctx, key))
	s.Require().NoError(s.store.Delete(s.ctx, key))

	_, err := s.store.Get(s.ctx, key)
	s.ErrorIs(err, ErrRecordNotFound)

	n, _, err := s.store.Count(s.ctx, CountQuery{Group: key.CollectionsWorkflow(), Index: IndexUpdated})
	s.Require().NoError(err)
	s.Zero(n)
}

func callbackRecord(token string, fp api.Fingerprint) *api.CallbackRecord {
	return &api.CallbackRecord{
		Token:         token,
		Fingerprint:   fp,
		Items:         []string{"landsat-c2l2/LC09_001"},
		WorkflowState: api.StateProcessing,
	}
}

func (s *StoreSuite) TestCallbackLifecycle() {
	fp := testKey("LC09_001").Fingerprint()
	s.Require().NoError(s.store.PutCallback(s.ctx, callbackRecord("tok-1", fp)))

	rec, err := s.store.GetCallback(s.ctx, "tok-1")
	s.Require().NoError(err)
	s.Equal(fp, rec.Fingerprint)
	s.Equal([]string{"landsat-c2l2/LC09_001"}, rec.Items)
	s.False(rec.Resolved())

	expires := time.Now().Add(24 * time.Hour).Truncate(time.Second).UTC()
	s.Require().NoError(s.store.ResolveCallback(s.ctx, "tok-1", api.StateCompleted, expires))

	rec, err = s.store.GetCallback(s.ctx, "tok-1")
	s.Require().NoError(err)
	s.True(rec.Resolved())
	s.Equal(api.StateCompleted, rec.WorkflowState)
	s.True(rec.ExpiresAt.Equal(expires))

	err = s.store.ResolveCallback(s.ctx, "tok-1", api.StateFailed, expires)
	s.ErrorIs(err, api.ErrCallbackResolved)

	err = s.store.PutCallback(s.ctx, callbackRecord("tok-1", fp))
	s.ErrorIs(err, api.ErrCallbackResolved)

	err = s.store.ResolveCallback(s.ctx, "missing", api.StateFailed, expires)
	s.ErrorIs(err, ErrCallbackNotFound)

	s.Require().NoError(s.store.DeleteCallback(s.ctx, "tok-1"))
	_, err = s.store.GetCallback(s.ctx, "tok-1")
	s.ErrorIs(err, ErrCallbackNotFound)
}

func (s *StoreSuite) TestPutCallbackOverwritesUnresolved() {
	fp := testKey("LC09_001").Fingerprint()
	s.Require().NoError(s.store.PutCallback(s.ctx, callbackRecord("tok-1", fp)))

	rec := callbackRecord("tok-1", fp)
	rec.Items = []string{"landsat-c2l2/LC09_001", "landsat-c2l2/LC09_002"}
	s.Require().NoError(s.store.PutCallback(s.ctx, rec))

	got, err := s.store.GetCallback(s.ctx, "tok-1")
	s.Require().NoError(err)
	s.Len(got.Items, 2)
}

func (s *StoreSuite) TestQueryCallbacks() {
	fp := testKey("LC09_001").Fingerprint()
	otherFP := testKey("LC09_999").Fingerprint()
	for _, tok := range []string{"t3", "t1", "t5", "t2", "t4"} {
		s.Require().NoError(s.store.PutCallback(s.ctx, callbackRecord(tok, fp)))
	}
	s.Require().NoError(s.store.PutCallback(s.ctx, callbackRecord("t0", otherFP)))
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	s.Require().NoError(s.store.ResolveCallback(s.ctx, "t2", api.StateCompleted, expires))

	var (
		all   []string
		after string
	)
	for {
		tokens, next, err := s.store.QueryCallbacks(s.ctx, fp, false, after, 2)
		s.Require().NoError(err)
		all = append(all, tokens...)
		if next == "" {
			break
		}
		after = next
	}
	s.Equal([]string{"t1", "t2", "t3", "t4", "t5"}, all)

	tokens, next, err := s.store.QueryCallbacks(s.ctx, fp, true, "", 2)
	s.Require().NoError(err)
	s.Equal([]string{"t1"}, tokens, "resolved tokens are filtered after paging")
	s.Equal("t2", next)

	tokens, next, err = s.store.QueryCallbacks(s.ctx, fp, true, "", 0)
	s.Require().NoError(err)
	s.Equal([]string{"t1", "t3", "t4", "t5"}, tokens)
	s.Empty(next)
}
