package api

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// recordingObserver remembers every event it receives.
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) OnClaimed(ctx context.Context, key Key) {
	o.add("claimed:" + key.Workflow)
}

func (o *recordingObserver) OnClaimConflict(ctx context.Context, key Key) {
	o.add("conflict:" + key.Workflow)
}

func (o *recordingObserver) OnTransition(ctx context.Context, key Key, state State) {
	o.add("state:" + string(state))
}

func (o *recordingObserver) OnCallbackResolved(ctx context.Context, token string, state State) {
	o.add("callback:" + token)
}

func TestCompositeObserver_FansOut(t *testing.T) {
	a, b := &recordingObserver{}, &recordingObserver{}
	obs := NewCompositeObserver(a, nil, b)
	ctx := context.Background()
	key := Key{Collections: "x", Workflow: "wf", ItemIDs: "a"}

	obs.OnClaimed(ctx, key)
	obs.OnClaimConflict(ctx, key)
	obs.OnTransition(ctx, key, StateCompleted)
	obs.OnCallbackResolved(ctx, "tok", StateCompleted)

	want := []string{"claimed:wf", "conflict:wf", "state:COMPLETED", "callback:tok"}
	for _, o := range []*recordingObserver{a, b} {
		if strings.Join(o.events, ",") != strings.Join(want, ",") {
			t.Fatalf("events = %v, want %v", o.events, want)
		}
	}
}

func TestNewCompositeObserver_Collapses(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for no observers")
	}
	single := &recordingObserver{}
	if NewCompositeObserver(nil, single) != Observer(single) {
		t.Fatalf("expected the single observer to be returned as-is")
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	key := Key{Collections: "x", Workflow: "wf", ItemIDs: "a"}

	m.OnClaimed(ctx, key)
	m.OnClaimed(ctx, key)
	m.OnClaimed(ctx, key)
	m.OnClaimConflict(ctx, key)
	m.OnTransition(ctx, key, StateCompleted)
	m.OnTransition(ctx, key, StateFailed)
	m.OnTransition(ctx, key, StateQueued)
	m.OnCallbackResolved(ctx, "t1", StateCompleted)

	snap := m.Snapshot()
	if snap.Claims != 3 || snap.ClaimConflicts != 1 {
		t.Fatalf("unexpected claim counters: %+v", snap)
	}
	if snap.Completed != 1 || snap.Failed != 1 || snap.InFlight != 1 {
		t.Fatalf("unexpected state counters: %+v", snap)
	}
	if snap.CallbacksResolved != 1 {
		t.Fatalf("unexpected callback counter: %+v", snap)
	}
}

func TestLoggingObserver_WritesPayloadID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := NewLoggingObserver(logger)

	obs.OnTransition(context.Background(), Key{Collections: "x", Workflow: "wf", ItemIDs: "a"}, StateFailed)

	out := buf.String()
	if !strings.Contains(out, "payload_id=x/workflow-wf/a") || !strings.Contains(out, "level=ERROR") {
		t.Fatalf("unexpected log output: %s", out)
	}
}
