// Package services provides the offline-aware data facades the UI
// talks to. Each facade decides per call whether to go straight to the
// network or to apply an optimistic cache patch and enqueue the write.
package services

import (
	"context"
	"encoding/json"
	"net/url"
)

// remoteAPI is the slice of the API client the facades need.
// Satisfied by *api.Client.
type remoteAPI interface {
	Get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error)
	Do(ctx context.Context, method, endpoint string, body json.RawMessage) (json.RawMessage, error)
}

// Result is the outcome of a write call. When the device is offline
// the write is queued and reported successful immediately; the UI must
// never block a write on the network while offline.
type Result struct {
	Success bool
	Queued  bool
	Err     error
}
