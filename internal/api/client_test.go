// Package api provides unit tests for the remote API client.
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/healthreach/fieldsync/internal/errors"
)

// TestGetUnwrapsEnvelope tests that Get returns the envelope's data
// payload and encodes query parameters.
func TestGetUnwrapsEnvelope(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"1","first_name":"Juan"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)

	query := url.Values{}
	query.Set("status", "verified")
	data, err := client.Get(context.Background(), "/api/residents", query)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `[{"id":"1","first_name":"Juan"}]` {
		t.Errorf("Data = %s, want the unwrapped payload", data)
	}
	if gotPath != "/api/residents?status=verified" {
		t.Errorf("Request path = %s", gotPath)
	}
}

// TestDoSendsBodyAndAuth tests the request shape for writes.
func TestDoSendsBodyAndAuth(t *testing.T) {
	var gotAuth, gotContentType, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotMethod = r.Method
		w.Write([]byte(`{"data":{"id":"7"}}`))
	}))
	defer server.Close()

	token := func(ctx context.Context) (string, error) { return "secret", nil }
	client := NewClient(server.URL, 5*time.Second, token)

	data, err := client.Do(context.Background(), http.MethodPost, "/api/residents", []byte(`{"first_name":"Ana"}`))
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(data) != `{"id":"7"}` {
		t.Errorf("Data = %s", data)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("Method = %s", gotMethod)
	}
}

// TestErrorClassification tests the status code to error code mapping
// the retry logic depends on.
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  errors.ErrorCode
		transient bool
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, errors.ErrRemote, true},
		{"conflict", http.StatusConflict, `{"error":"version mismatch"}`, errors.ErrSyncConflict, false},
		{"not found", http.StatusNotFound, `{"error":"no such resident"}`, errors.ErrNotFound, false},
		{"bad request", http.StatusBadRequest, `{"error":"birthdate required"}`, errors.ErrValidation, false},
		{"unprocessable", http.StatusUnprocessableEntity, `{"error":"invalid status"}`, errors.ErrValidation, false},
		{"error in 2xx envelope", http.StatusOK, `{"error":"soft failure"}`, errors.ErrRemote, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, 5*time.Second, nil)
			_, err := client.Do(context.Background(), http.MethodPut, "/api/residents/1", []byte(`{}`))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !errors.Is(err, tt.wantCode) {
				t.Errorf("Error code mismatch: got %v, want %s", err, tt.wantCode)
			}
			if errors.Transient(err) != tt.transient {
				t.Errorf("Transient(%v) = %v, want %v", err, !tt.transient, tt.transient)
			}
		})
	}
}

// TestTransportErrorIsNetwork tests that an unreachable server maps to
// the network error code so the monitor flips offline.
func TestTransportErrorIsNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // immediately unreachable

	client := NewClient(server.URL, 2*time.Second, nil)
	_, err := client.Get(context.Background(), "/api/residents", nil)
	if !errors.Is(err, errors.ErrNetwork) {
		t.Errorf("Expected ErrNetwork, got %v", err)
	}
	if !errors.Transient(err) {
		t.Error("Network error must be transient")
	}
}

// TestMalformedEnvelope tests that a 2xx with a non-JSON body fails.
func TestMalformedEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second, nil)
	_, err := client.Get(context.Background(), "/api/residents", nil)
	if !errors.Is(err, errors.ErrRemote) {
		t.Errorf("Expected ErrRemote for malformed envelope, got %v", err)
	}
}
