package syncer

import (
	"context"
	"encoding/json"

	"github.com/a-cube-io/ereceipts-go-sdk/cache"
)

// Conflict describes a divergence between a cached entry and server data.
// Detection is fixed (optimistic source, pending status, or differing
// etags); only the resolution policy is pluggable.
type Conflict struct {
	Key        string
	Local      *cache.Entry
	ServerData []byte
	ServerETag string
}

// Resolution is the outcome of resolving a conflict. LocalData and
// ServerData record both sides for audit regardless of the winner.
type Resolution struct {
	Data       []byte
	ETag       string
	Winner     string
	LocalData  []byte
	ServerData []byte
}

// Resolver decides which side of a conflict wins.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: a resolution error fails the key's sync; it never aborts
//   the batch.
type Resolver interface {
	// Resolve produces the data to write back for a conflicted key.
	Resolve(ctx context.Context, c Conflict) (Resolution, error)

	// Name identifies the policy in logs and events.
	Name() string
}

// ServerWins is the default policy: server data replaces cached data
// unconditionally.
type ServerWins struct{}

// Name identifies the policy.
func (ServerWins) Name() string { return "server-wins" }

// Resolve returns the server side, recording both for audit.
func (ServerWins) Resolve(_ context.Context, c Conflict) (Resolution, error) {
	res := Resolution{
		Data:       c.ServerData,
		ETag:       c.ServerETag,
		Winner:     "server",
		ServerData: c.ServerData,
	}
	if c.Local != nil {
		res.LocalData = c.Local.Data
	}
	return res, nil
}

// LocalWins keeps the cached data and ignores the server value.
type LocalWins struct{}

// Name identifies the policy.
func (LocalWins) Name() string { return "local-wins" }

// Resolve returns the local side, recording both for audit.
func (LocalWins) Resolve(_ context.Context, c Conflict) (Resolution, error) {
	res := Resolution{
		Winner:     "local",
		ServerData: c.ServerData,
	}
	if c.Local != nil {
		res.Data = c.Local.Data
		res.LocalData = c.Local.Data
		res.ETag = c.Local.ETag
	} else {
		res.Data = c.ServerData
		res.ETag = c.ServerETag
		res.Winner = "server"
	}
	return res, nil
}

// MergeFunc adapts a merge function into a Resolver for callers with
// business-specific merge semantics.
type MergeFunc func(ctx context.Context, c Conflict) ([]byte, error)

// Name identifies the policy.
func (MergeFunc) Name() string { return "merge" }

// Resolve merges both sides through the function.
func (f MergeFunc) Resolve(ctx context.Context, c Conflict) (Resolution, error) {
	merged, err := f(ctx, c)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{
		Data:       merged,
		ETag:       c.ServerETag,
		Winner:     "merged",
		ServerData: c.ServerData,
	}
	if c.Local != nil {
		res.LocalData = c.Local.Data
	}
	return res, nil
}

// serverETag extracts an etag field from a server JSON payload, when
// present. The minimal read transport exposes bodies only.
func serverETag(body []byte) string {
	var probe struct {
		ETag string `json:"etag"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.ETag
}

// Ensure policies implement Resolver
var (
	_ Resolver = ServerWins{}
	_ Resolver = LocalWins{}
	_ Resolver = MergeFunc(nil)
)
