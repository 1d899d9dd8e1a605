package geoflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPayload(t *testing.T, items ...Item) *Payload {
	t.Helper()
	if len(items) == 0 {
		items = []Item{{ID: "a", Collection: "c"}, {ID: "b", Collection: "c"}}
	}
	stage := NewStage("thumbnails").
		Task("thumbnail", map[string]any{"size": 256, "format": "png"}).
		Task("noop", nil).
		Build()
	p, err := NewPayload(items, SingleStage(stage))
	require.NoError(t, err)
	return p
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Handler {
		return func(ctx context.Context, p *Payload) (*Payload, error) {
			order = append(order, name)
			out, err := p.Clone()
			if err != nil {
				return nil, err
			}
			out.Features[0].Properties[name] = true
			return out, nil
		}
	}
	skip := func(ctx context.Context, p *Payload) (*Payload, error) { return nil, nil }

	out, err := Chain(tag("one"), skip, tag("two"))(context.Background(), testPayload(t))
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, order)
	require.Equal(t, true, out.Features[0].Properties["one"])
	require.Equal(t, true, out.Features[0].Properties["two"])

	boom := errors.New("boom")
	_, err = Chain(func(ctx context.Context, p *Payload) (*Payload, error) { return nil, boom }, tag("never"))(context.Background(), testPayload(t))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"one", "two"}, order)
}

func TestWithTimeout(t *testing.T) {
	h := WithTimeout(20*time.Millisecond, func(ctx context.Context, p *Payload) (*Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := h(context.Background(), testPayload(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForEachItem(t *testing.T) {
	var running, peak int32
	h := ForEachItem(2, func(ctx context.Context, it Item) (Item, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		it.Properties["processed"] = it.ID
		return it, nil
	})

	in := testPayload(t, Item{ID: "a"}, Item{ID: "b"}, Item{ID: "c"}, Item{ID: "d"})
	out, err := h(context.Background(), in)
	require.NoError(t, err)
	for _, it := range out.Features {
		require.Equal(t, it.ID, it.Properties["processed"])
	}
	_, touched := in.Features[0].Properties["processed"]
	require.False(t, touched, "input payload must not be modified")
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	_, err = ForEachItem(0, func(ctx context.Context, it Item) (Item, error) {
		if it.ID == "b" {
			return it, errors.New("corrupt asset")
		}
		return it, nil
	})(context.Background(), in)
	require.ErrorContains(t, err, "item b: corrupt asset")
}

func TestKeepItems(t *testing.T) {
	p := testPayload(t,
		Item{ID: "a", Properties: map[string]any{"eo:cloud_cover": 3}},
		Item{ID: "b", Properties: map[string]any{"eo:cloud_cover": 70}},
	)

	out, err := KeepItems(`@.id == "a"`)(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, out.Features, 1)
	require.Len(t, p.Features, 2)

	_, err = KeepItems(`@.id == "zzz"`)(context.Background(), p)
	require.ErrorIs(t, err, ErrInvalidInput)
}

type thumbOpts struct {
	Size   int    `json:"size"`
	Format string `json:"format"`
}

func TestTaskParams(t *testing.T) {
	p := testPayload(t)

	opts, err := TaskParams[thumbOpts](p, "thumbnail")
	require.NoError(t, err)
	require.Equal(t, thumbOpts{Size: 256, Format: "png"}, opts)

	_, err = TaskParams[thumbOpts](p, "missing")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = TaskParams[int](p, "thumbnail")
	require.ErrorIs(t, err, ErrInvalidInput)

	// null parameters decode to the zero value.
	none, err := TaskParams[thumbOpts](p, "noop")
	require.NoError(t, err)
	require.Equal(t, thumbOpts{}, none)
}

func TestTypedTask(t *testing.T) {
	h := TypedTask("thumbnail", func(ctx context.Context, opts thumbOpts, p *Payload) (*Payload, error) {
		out, err := p.Clone()
		if err != nil {
			return nil, err
		}
		for i := range out.Features {
			out.Features[i].Assets = map[string]any{"thumbnail": map[string]any{
				"href": "s3://thumbs/" + out.Features[i].ID + "." + opts.Format,
			}}
		}
		return out, nil
	})

	out, err := h(context.Background(), testPayload(t))
	require.NoError(t, err)
	data, err := json.Marshal(out.Features[0].Assets)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "a.png"), string(data))
}

func TestRoute(t *testing.T) {
	h := Route(map[string]Handler{"thumbnails": Passthrough})

	_, err := h(context.Background(), testPayload(t))
	require.NoError(t, err)

	other, err := NewPayload([]Item{{ID: "x"}}, SingleStage(NewStage("unknown").Build()))
	require.NoError(t, err)
	_, err = h(context.Background(), other)
	require.ErrorIs(t, err, ErrInvalidInput)
}
