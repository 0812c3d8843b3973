package manager

import (
	"context"
	"encoding/json"

	"quantumlife-idempotency/pkg/idmerr"
	"quantumlife-idempotency/pkg/store"
)

// ExecuteJSON is the typed convenience façade for non-HTTP callers: op
// returns a Go value and an HTTP-style status code, ExecuteJSON handles
// JSON-encoding it into the stored envelope and decoding it back out on
// replay. Go methods cannot carry their own type parameters, so this is
// a free function taking the Manager explicitly.
func ExecuteJSON[T any](ctx context.Context, m *Manager, key, requestHash string, meta store.StartMeta, op func(ctx context.Context) (T, int, error)) (T, bool, error) {
	var zero T

	res, err := m.ExecuteWithRetry(ctx, key, requestHash, meta, func(ctx context.Context) (Envelope, error) {
		value, statusCode, opErr := op(ctx)
		if opErr != nil {
			return Envelope{}, opErr
		}
		body, marshalErr := json.Marshal(value)
		if marshalErr != nil {
			return Envelope{}, idmerr.Classify(idmerr.ErrSerialization, false, 0)
		}
		return Envelope{Body: body, HTTPStatusCode: statusCode, ContentType: "application/json"}, nil
	})
	if err != nil {
		return zero, false, err
	}

	var value T
	if len(res.Envelope.Body) > 0 {
		if err := json.Unmarshal(res.Envelope.Body, &value); err != nil {
			return zero, false, idmerr.Classify(idmerr.ErrSerialization, false, 0)
		}
	}
	return value, res.Replayed, nil
}
