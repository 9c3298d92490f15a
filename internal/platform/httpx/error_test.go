package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("order_not_found", "order not found", http.StatusNotFound))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON content type, got %q", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "order_not_found" {
		t.Fatalf("unexpected error code: %v", body["error"])
	}
	if body["message"] != "order not found" {
		t.Fatalf("unexpected message: %v", body["message"])
	}
	if body["request_id"] != "req-42" {
		t.Fatalf("expected request id from context, got %v", body["request_id"])
	}
}

func TestWriteErrorDefaultsStatus(t *testing.T) {
	rr := httptest.NewRecorder()

	WriteError(context.Background(), rr, Error{Code: "internal_error", Message: "boom"})

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "request_id") {
		t.Fatalf("expected request_id omitted without context value, got %s", rr.Body.String())
	}
}

func TestNewErrorSanitisesInput(t *testing.T) {
	err := NewError("bad\ncode", "line one\r\nline two", http.StatusBadRequest)
	if strings.ContainsAny(err.Code+err.Message, "\r\n") {
		t.Fatalf("expected newlines stripped, got %+v", err)
	}
}
