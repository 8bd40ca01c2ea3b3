package replay

import (
	"context"
	"testing"

	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

type fakeLookup struct {
	calls map[string]*landscape.Call // requestHash -> call
}

func (f *fakeLookup) FindCall(ctx context.Context, runID string, callType landscape.CallType, requestHash string) (*landscape.Call, error) {
	return f.calls[requestHash], nil
}

func newRecorderWithPayload(t *testing.T, hash string, payload []byte) *landscape.Recorder {
	t.Helper()
	store := &memStore{}
	ps := &memPayloadStore{data: map[string][]byte{hash: payload}}
	r := landscape.NewRecorder(store, ps)
	return r
}

func TestReplayReturnsPriorResponseOnHit(t *testing.T) {
	request := map[string]interface{}{"prompt": "hello"}
	requestHash := mustHash(t, request)

	responsePayload := []byte(`{"text":"world"}`)
	responseHash := "resp-hash-1"

	lookup := &fakeLookup{calls: map[string]*landscape.Call{
		requestHash: {
			CallID:       "call-1",
			CallType:     landscape.CallLLM,
			Status:       landscape.CallSuccess,
			RequestHash:  requestHash,
			ResponseHash: &responseHash,
			LatencyMS:    42,
		},
	}}

	recorder := newRecorderWithPayload(t, responseHash, responsePayload)
	rep := New(lookup, recorder)

	result, err := rep.Replay(context.Background(), "run-1", landscape.CallLLM, request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.LatencyMS != 42 {
		t.Fatalf("expected latency 42, got %d", result.LatencyMS)
	}

	// Second call should hit the in-process cache, not the lookup.
	lookup.calls = nil
	result2, err := rep.Replay(context.Background(), "run-1", landscape.CallLLM, request)
	if err != nil {
		t.Fatalf("unexpected error on cached replay: %v", err)
	}
	if result2.LatencyMS != result.LatencyMS {
		t.Fatalf("cached replay diverged from original")
	}
}

func TestReplayMissWhenNoPriorCall(t *testing.T) {
	lookup := &fakeLookup{calls: map[string]*landscape.Call{}}
	recorder := newRecorderWithPayload(t, "unused", nil)
	rep := New(lookup, recorder)

	_, err := rep.Replay(context.Background(), "run-1", landscape.CallLLM, map[string]interface{}{"a": 1})
	if !errIs(err, errs.ErrReplayMiss) {
		t.Fatalf("expected ErrReplayMiss, got %v", err)
	}
}

func TestReplayPayloadMissingWhenPurged(t *testing.T) {
	request := map[string]interface{}{"prompt": "gone"}
	requestHash := mustHash(t, request)
	responseHash := "purged-hash"

	lookup := &fakeLookup{calls: map[string]*landscape.Call{
		requestHash: {
			CallID:       "call-2",
			CallType:     landscape.CallLLM,
			Status:       landscape.CallSuccess,
			RequestHash:  requestHash,
			ResponseHash: &responseHash,
			LatencyMS:    10,
		},
	}}

	store := &memStore{}
	ps := &memPayloadStore{data: map[string][]byte{}} // empty: payload purged
	recorder := landscape.NewRecorder(store, ps)
	rep := New(lookup, recorder)

	_, err := rep.Replay(context.Background(), "run-1", landscape.CallLLM, request)
	if !errIs(err, errs.ErrReplayPayloadMissing) {
		t.Fatalf("expected ErrReplayPayloadMissing, got %v", err)
	}
}
