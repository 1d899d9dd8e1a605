package geoflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/geoflow/pkg/api"
	"github.com/petrijr/geoflow/pkg/worker"
)

// Chain runs handlers in order, feeding each the output of the previous one.
func Chain(handlers ...Handler) Handler {
	return func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		for _, h := range handlers {
			out, err := h(ctx, p)
			if err != nil {
				return nil, err
			}
			if out != nil {
				p = out
			}
		}
		return p, nil
	}
}

// WithTimeout bounds each run of h to d.
func WithTimeout(d time.Duration, h Handler) Handler {
	return func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return h(ctx, p)
	}
}

// ForEachItem runs fn on every item in parallel, at most limit at a time
// (unlimited when limit <= 0), and replaces the items with the results.
// The first error cancels the remaining runs.
func ForEachItem(limit int, fn func(ctx context.Context, it api.Item) (api.Item, error)) Handler {
	return func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		out, err := p.Clone()
		if err != nil {
			return nil, err
		}
		g, gctx := errgroup.WithContext(ctx)
		if limit > 0 {
			g.SetLimit(limit)
		}
		for i := range out.Features {
			g.Go(func() error {
				it, err := fn(gctx, out.Features[i])
				if err != nil {
					return fmt.Errorf("item %s: %w", out.Features[i].ID, err)
				}
				out.Features[i] = it
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// KeepItems drops items not matching a JSONPath filter expression. A payload
// left without items is invalid.
func KeepItems(expr string) Handler {
	return func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		kept, err := api.FilterItems(p.Features, expr)
		if err != nil {
			return nil, err
		}
		if len(kept) == 0 {
			return nil, fmt.Errorf("%w: no items match %s", api.ErrInvalidInput, expr)
		}
		out, err := p.Clone()
		if err != nil {
			return nil, err
		}
		out.Features = kept
		return out, nil
	}
}

// TaskParams decodes the parameters of the named task of the payload's
// current stage into T. A missing task or undecodable parameters wrap
// api.ErrInvalidInput.
func TaskParams[T any](p *api.Payload, task string) (T, error) {
	var params T
	st := p.Stage()
	if st == nil {
		return params, fmt.Errorf("%w: payload has no current stage", api.ErrInvalidInput)
	}
	raw, ok := st.Tasks[task]
	if !ok {
		return params, fmt.Errorf("%w: stage %s has no task %q", api.ErrInvalidInput, st.Workflow, task)
	}
	if len(raw) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("%w: task %q parameters: %w", api.ErrInvalidInput, task, err)
	}
	return params, nil
}

// TypedTask wraps a function taking decoded task parameters into a Handler.
// Example:
//
//	geoflow.TypedTask("thumbnail", func(ctx context.Context, opts ThumbOpts, p *geoflow.Payload) (*geoflow.Payload, error) { ... })
func TypedTask[T any](task string, fn func(ctx context.Context, params T, p *api.Payload) (*api.Payload, error)) Handler {
	return func(ctx context.Context, p *api.Payload) (*api.Payload, error) {
		params, err := TaskParams[T](p, task)
		if err != nil {
			return nil, err
		}
		return fn(ctx, params, p)
	}
}

// Route dispatches by workflow name. Unknown workflows are invalid.
func Route(handlers map[string]Handler) Handler {
	return worker.Mux(handlers).Handle
}
