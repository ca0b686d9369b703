package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{Enabled: true, SpanProcessor: recorder})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	tracer := inst.Tracer("server")

	_, span := tracer.Start(context.Background(), "oauth.token")
	AddOAuthFlowAttributes(span, "client-1", "", "read write")
	AddHTTPAttributes(span, "POST", "/token", 400)
	RecordError(span, errors.New("invalid_grant"))
	span.End()

	_, ok := tracer.Start(context.Background(), "oauth.revoke")
	SetSpanSuccess(ok)
	ok.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}

	failed := ended[0]
	if failed.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", failed.Status().Code)
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range failed.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs[AttrClientID].AsString() != "client-1" {
		t.Errorf("client_id attribute = %q", attrs[AttrClientID].AsString())
	}
	if _, present := attrs[AttrUserID]; present {
		t.Error("empty user id must not be recorded")
	}
	if attrs[AttrHTTPStatusCode].AsInt64() != 400 {
		t.Errorf("status_code attribute = %d", attrs[AttrHTTPStatusCode].AsInt64())
	}
	if len(failed.Events()) == 0 {
		t.Error("expected an exception event from RecordError")
	}

	if ended[1].Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", ended[1].Status().Code)
	}
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c", "u", "s")
	AddStorageAttributes(nil, "op", "memory")
	AddHTTPAttributes(nil, "GET", "/", 200)
	AddSecurityAttributes(nil, "10.0.0.1")
}
