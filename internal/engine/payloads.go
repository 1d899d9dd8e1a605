package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/petrijr/geoflow/internal/blobstore"
	"github.com/petrijr/geoflow/pkg/api"
)

// maxEnvelopeDepth bounds how many envelopes and references are unwrapped.
const maxEnvelopeDepth = 4

// Externalize serializes p. When the result exceeds the inline limit, the
// payload is uploaded and a {"url": ...} reference is returned instead.
func (e *Engine) Externalize(ctx context.Context, p *api.Payload) ([]byte, error) {
	return e.externalize(ctx, p, blobstore.NewKey("payloads"), false)
}

// externalize is Externalize with an explicit blob key. With keep set the
// payload is uploaded even when it is passed inline.
func (e *Engine) externalize(ctx context.Context, p *api.Payload, key string, keep bool) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	inline := len(data) <= e.inlineLimit
	if inline && !keep {
		return data, nil
	}
	url, err := e.blobs.Put(ctx, key, data)
	if err != nil {
		return nil, fmt.Errorf("externalize payload: %w", err)
	}
	if inline {
		return data, nil
	}
	return json.Marshal(api.PayloadRef{URL: url})
}

// ResolvePayload decodes exactly one payload from raw. See ResolvePayloads.
func (e *Engine) ResolvePayload(ctx context.Context, raw []byte) (*api.Payload, error) {
	payloads, err := e.ResolvePayloads(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(payloads) != 1 {
		return nil, fmt.Errorf("%w: expected one payload, got %d", api.ErrInvalidInput, len(payloads))
	}
	return payloads[0], nil
}

// ResolvePayloads decodes the payloads carried by raw. Besides a plain
// payload it accepts a {"url": ...} reference, a queue batch with
// Records[].body and a notification envelope with a Message field; these
// may nest.
func (e *Engine) ResolvePayloads(ctx context.Context, raw []byte) ([]*api.Payload, error) {
	return e.resolve(ctx, raw, 0)
}

type envelope struct {
	Type    string          `json:"type"`
	URL     string          `json:"url"`
	Message *string         `json:"Message"`
	Records []envelopeEntry `json:"Records"`
}

type envelopeEntry struct {
	Body *string `json:"body"`
}

func (e *Engine) resolve(ctx context.Context, raw []byte, depth int) ([]*api.Payload, error) {
	if depth > maxEnvelopeDepth {
		return nil, fmt.Errorf("%w: payload nested too deeply", api.ErrInvalidInput)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &api.ValidationError{Field: "payload", Reason: "malformed JSON", Err: err}
	}

	switch {
	case env.Records != nil:
		var out []*api.Payload
		for i, rec := range env.Records {
			if rec.Body == nil {
				return nil, fmt.Errorf("%w: Records[%d] has no body", api.ErrInvalidInput, i)
			}
			ps, err := e.resolve(ctx, []byte(*rec.Body), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, ps...)
		}
		return out, nil
	case env.Message != nil:
		return e.resolve(ctx, []byte(*env.Message), depth+1)
	case env.URL != "" && env.Type == "":
		data, err := e.blobs.Get(ctx, env.URL)
		if err != nil {
			return nil, fmt.Errorf("fetch payload %s: %w", env.URL, err)
		}
		return e.resolve(ctx, data, depth+1)
	}

	p, err := api.ParsePayload(raw)
	if err != nil {
		return nil, err
	}
	return []*api.Payload{p}, nil
}

// IsInvalidPayload reports whether err means the payload itself is unusable,
// so retrying cannot help.
func IsInvalidPayload(err error) bool {
	return api.IsValidationError(err) ||
		errors.Is(err, api.ErrInvalidInput) ||
		errors.Is(err, blobstore.ErrBlobNotFound)
}
