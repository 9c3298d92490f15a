package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tidemark-store/api/internal/platform/requestctx"
)

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

type recordingMetrics struct {
	mu      sync.Mutex
	entries []recordedVerification
}

type recordedVerification struct {
	scheme  string
	success bool
	reason  string
}

func (r *recordingMetrics) RecordVerification(_ context.Context, scheme string, success bool, reason string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedVerification{scheme: scheme, success: success, reason: reason})
}

func TestRequireUser_AllowsGatewayIdentity(t *testing.T) {
	authn := NewAuthenticator()

	handlerCalled := false
	handler := authn.RequireUser()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true

		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "uid-123" {
			t.Fatalf("unexpected uid: %s", identity.UID)
		}
		if identity.Email != "user@example.com" {
			t.Fatalf("unexpected email: %s", identity.Email)
		}
		if !identity.HasRole("staff") {
			t.Fatalf("expected staff role, got %v", identity.Roles)
		}
		if actor := requestctx.Actor(r.Context()); actor != "uid-123" {
			t.Fatalf("expected actor uid-123, got %q", actor)
		}

		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "uid-123")
	req.Header.Set("X-User-Email", "user@example.com")
	req.Header.Set("X-User-Roles", "staff, admin")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if !handlerCalled {
		t.Fatalf("expected handler to be called")
	}
}

func TestRequireUser_MissingHeader(t *testing.T) {
	authn := NewAuthenticator()

	handler := authn.RequireUser()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute without identity")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	if body["error"] != "unauthenticated" {
		t.Fatalf("expected unauthenticated error, got %v", body["error"])
	}
}

func TestRequireUser_RoleEnforcement(t *testing.T) {
	authn := NewAuthenticator()

	handler := authn.RequireUser("admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not execute without admin role")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "uid-456")
	req.Header.Set("X-User-Roles", "customer")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireUser_MissingRoleUsesFallback(t *testing.T) {
	authn := NewAuthenticator(WithFallbackRole("customer"))

	handler := authn.RequireUser()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if len(identity.Roles) != 1 || identity.Roles[0] != "customer" {
			t.Fatalf("expected fallback role customer, got %v", identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "uid-456")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
