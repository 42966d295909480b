package instrumentation

import (
	"context"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if inst.config.ServiceName != "hubauth" {
		t.Errorf("expected default service name, got %q", inst.config.ServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("expected default service version, got %q", inst.config.ServiceVersion)
	}
	if inst.Metrics() == nil {
		t.Error("expected metrics to be initialized")
	}
}

func TestDisabledInstrumentationIsUsable(t *testing.T) {
	inst, err := New(Config{ServiceName: "test", Enabled: false})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	m := inst.Metrics()

	// All recording paths must be safe with no-op providers.
	m.RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 1.5)
	m.RecordAuthorizationStarted(ctx, "client-1")
	m.RecordTokenIssued(ctx, "authorization_code")
	m.RecordTokenRefreshed(ctx)
	m.RecordTokenRevoked(ctx)
	m.RecordClientRegistration(ctx, "public")
	m.RecordChainOutcome(ctx, "session", "allowed")
	m.RecordRateLimitExceeded(ctx, "token_endpoint")
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordCodeReuseDetected(ctx)

	if err := inst.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func TestNilSafeSpanHelpers(t *testing.T) {
	// All helpers must tolerate a nil span.
	RecordError(nil, context.Canceled)
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	SetSpanAttributes(nil)
	AddOAuthFlowAttributes(nil, "c", "u", "read")
	AddPKCEAttributes(nil, "S256")
	AddHTTPAttributes(nil, "GET", "/oauth/authorize", 302)
	AddSecurityAttributes(nil, "10.0.0.1")
}

func TestMeterAndTracerScopes(t *testing.T) {
	inst, err := New(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if inst.Meter("server") == nil {
		t.Error("expected meter")
	}
	if inst.Tracer("http") == nil {
		t.Error("expected tracer")
	}
}
