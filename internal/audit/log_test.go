package audit

import (
	"context"
	"testing"
)

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatalf("empty event name should be rejected")
	}
	if err := LogEvent(context.Background(), "entitlement.recheck", map[string]any{"institution_id": "i1"}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := requestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("request id: %s", got)
	}
	if got := requestIDFromContext(WithRequestID(context.Background(), " ")); got != "" {
		t.Fatalf("blank request id should not be stored")
	}
}
