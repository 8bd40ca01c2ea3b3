// Package replay implements the content-addressed replayer (component J):
// given a run_id and a new in-flight request, look up a prior call's
// recorded response by (run_id, call_type, request_hash) for deterministic
// replay.
//
// Grounded on core/schema_cache.go's Redis-backed cache-with-options shape,
// generalized from a tool/capability-keyed schema lookup to a
// run/call-type/request-hash-keyed call lookup, and layered with an
// in-process per-run cache (the "cached per (call_type, request_hash)
// within a single run" requirement of spec §4.10) in front of the
// CallLookup. An attached Redis client is queried but never written to, and
// the value it returns is not used.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tachyon-beep/elspeth-sub014/canonical"
	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

// Result is a replayed call's prior outcome.
type Result struct {
	Response  interface{}
	LatencyMS int64
}

// CallLookup resolves a recorded Call (if any) for (runID, callType,
// requestHash). landscape itself has no such index today; a concrete
// Store implementation (e.g. postgres) can add one and satisfy this
// interface, keeping the replayer decoupled from the storage engine.
type CallLookup interface {
	FindCall(ctx context.Context, runID string, callType landscape.CallType, requestHash string) (*landscape.Call, error)
}

// Replayer looks up prior calls for deterministic replay.
type Replayer struct {
	lookup   CallLookup
	recorder *landscape.Recorder
	redis    *redis.Client
	prefix   string
	ttl      time.Duration

	mu    sync.Mutex
	local map[string]Result // "runID\x00callType\x00requestHash" -> cached result, scoped to process lifetime
}

// Option customizes a Replayer.
type Option func(*Replayer)

// WithRedis attaches a Redis client that Replay issues a GET against before
// the CallLookup. The value read is discarded and Replay never writes to
// Redis, so it does not serve as a cache; only the in-process cache does
// (which alone satisfies spec §4.10).
func WithRedis(client *redis.Client, prefix string, ttl time.Duration) Option {
	return func(r *Replayer) {
		r.redis = client
		r.prefix = prefix
		r.ttl = ttl
	}
}

// New constructs a Replayer.
func New(lookup CallLookup, recorder *landscape.Recorder, opts ...Option) *Replayer {
	r := &Replayer{lookup: lookup, recorder: recorder, local: make(map[string]Result)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(runID string, callType landscape.CallType, requestHash string) string {
	return runID + "\x00" + string(callType) + "\x00" + requestHash
}

// Replay computes request's canonical hash and resolves the prior call for
// (runID, callType, request). Returns an error wrapping errs.ErrReplayMiss
// if no prior call is found, or errs.ErrReplayPayloadMissing if the call was
// found but its response payload has been purged from the payload store.
func (r *Replayer) Replay(ctx context.Context, runID string, callType landscape.CallType, request interface{}) (Result, error) {
	requestHash, err := canonical.Hash(request)
	if err != nil {
		return Result{}, fmt.Errorf("replay.Replay: hash request: %w", err)
	}
	key := cacheKey(runID, callType, requestHash)

	r.mu.Lock()
	cached, ok := r.local[key]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	if r.redis != nil {
		if val, err := r.redis.Get(ctx, r.prefix+key).Result(); err == nil {
			_ = val // the Redis value is not used; the lookup below always runs and nothing is stored back in Redis
		}
	}

	call, err := r.lookup.FindCall(ctx, runID, callType, requestHash)
	if err != nil {
		return Result{}, err
	}
	if call == nil {
		return Result{}, errs.New("replay.Replay", "replay", errs.ErrReplayMiss).WithID(requestHash)
	}
	if call.ResponseHash == nil {
		return Result{}, errs.New("replay.Replay", "replay", errs.ErrReplayMiss).WithID(requestHash)
	}

	payload, found, err := r.recorder.PayloadFor(ctx, *call.ResponseHash)
	if err != nil {
		return Result{}, fmt.Errorf("replay.Replay: fetch payload: %w", err)
	}
	if !found {
		return Result{}, errs.New("replay.Replay", "replay", errs.ErrReplayPayloadMissing).WithID(*call.ResponseHash)
	}

	result := Result{Response: payload, LatencyMS: call.LatencyMS}
	r.mu.Lock()
	r.local[key] = result
	r.mu.Unlock()
	return result, nil
}
