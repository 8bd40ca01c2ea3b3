// Package audited implements the audited external-call client wrapper
// (component I): a decorator around any LLM/HTTP client that hashes
// request/response, records Call rows through the landscape recorder, and
// emits telemetry only after the audit record is durable.
//
// Grounded on ai/client.go's OpenAIClient (a thin struct wrapping an
// *http.Client behind a small interface). Its span is started through the
// otel tracer API; no transport-level (otelhttp) instrumentation is wired.
package audited

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
)

// Client is the underlying collaborator this package decorates: anything
// that can dispatch a request and return a response, LLM or HTTP alike.
// Concrete LLM provider clients are out of scope for the core (spec §1);
// this interface is the seam they plug into.
type Client interface {
	Dispatch(ctx context.Context, request interface{}) (response interface{}, err error)
}

// TelemetryEmitter publishes the ExternalCallCompleted event. A failure here
// is caught and logged; it never corrupts the audit record or triggers a
// retry (spec §4.9 step 5).
type TelemetryEmitter interface {
	ExternalCallCompleted(ctx context.Context, callID string, callType landscape.CallType, latency time.Duration, status landscape.CallStatus) error
}

// Logger is the minimal sink for the "caught and logged" telemetry-failure
// path, matching the teacher's Logger interface shape.
type Logger interface {
	Error(msg string, fields map[string]interface{})
}

// AuditedClient wraps a Client with the mandatory audit discipline of spec
// §4.9.
type AuditedClient struct {
	underlying Client
	recorder   *landscape.Recorder
	telemetry  TelemetryEmitter
	logger     Logger
	tracer     trace.Tracer
}

// New constructs an AuditedClient. telemetry and logger may be nil; a nil
// telemetry emitter simply skips step 5.
func New(underlying Client, recorder *landscape.Recorder, telemetry TelemetryEmitter, logger Logger) *AuditedClient {
	return &AuditedClient{
		underlying: underlying,
		recorder:   recorder,
		telemetry:  telemetry,
		logger:     logger,
		tracer:     otel.Tracer("elspeth/audited"),
	}
}

// Call performs one audited external call per the seven-step sequence in
// spec §4.9: build request, hash it, allocate a call index, dispatch and
// time it, record success/failure, then (success only, and only after
// recording) emit telemetry.
func (c *AuditedClient) Call(ctx context.Context, stateID string, callType landscape.CallType, request interface{}) (interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "audited.Call", trace.WithAttributes(
		attribute.String("elspeth.call_type", string(callType)),
		attribute.String("elspeth.state_id", stateID),
	))
	defer span.End()

	callIndex, err := c.recorder.AllocateCallIndex(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("audited.Call: allocate call index: %w", err)
	}

	start := time.Now()
	response, dispatchErr := c.underlying.Dispatch(ctx, request)
	latency := time.Since(start)

	if dispatchErr != nil {
		errJSON := fmt.Sprintf(`{"message":%q}`, dispatchErr.Error())
		call, recordErr := c.recorder.RecordCall(ctx, stateID, callIndex, callType, landscape.CallError, request, nil, &errJSON, latency.Milliseconds())
		if recordErr != nil {
			return nil, errs.New("audited.Call", "audited", recordErr).WithID(stateID)
		}
		// Recording failure has precedence: no telemetry on the error path
		// per spec §4.9 step 6.
		_ = call
		return nil, dispatchErr
	}

	call, err := c.recorder.RecordCall(ctx, stateID, callIndex, callType, landscape.CallSuccess, request, response, nil, latency.Milliseconds())
	if err != nil {
		return nil, errs.New("audited.Call", "audited", err).WithID(stateID)
	}

	if c.telemetry != nil {
		if err := c.telemetry.ExternalCallCompleted(ctx, call.CallID, callType, latency, landscape.CallSuccess); err != nil && c.logger != nil {
			c.logger.Error("audited: telemetry emission failed", map[string]interface{}{
				"call_id": call.CallID,
				"error":   err.Error(),
			})
		}
	}

	return response, nil
}

// MissingBatchResult records the "absence of data is data" case (spec
// §4.9): a batch result file that doesn't include a row's custom_id still
// produces a Call row, status ERROR, reason result_not_found.
func (c *AuditedClient) MissingBatchResult(ctx context.Context, stateID string, callType landscape.CallType, customID string) error {
	callIndex, err := c.recorder.AllocateCallIndex(ctx, stateID)
	if err != nil {
		return fmt.Errorf("audited.MissingBatchResult: allocate call index: %w", err)
	}
	errJSON := fmt.Sprintf(`{"reason":"result_not_found","custom_id":%q}`, customID)
	_, err = c.recorder.RecordCall(ctx, stateID, callIndex, callType, landscape.CallError,
		map[string]interface{}{"custom_id": customID}, nil, &errJSON, 0)
	if err != nil {
		return errs.New("audited.MissingBatchResult", "audited", err).WithID(stateID)
	}
	return nil
}
