// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var errStopped = errors.New("engine stopped")

func pass(context.Context) error { return nil }
func fail(context.Context) error { return errStopped }

func TestChecker_Health(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all pass", map[string]CheckFunc{"tcp": pass, "udp": pass}, StatusHealthy},
		{"one fails", map[string]CheckFunc{"tcp": pass, "udp": fail}, StatusDegraded},
		{"all fail", map[string]CheckFunc{"tcp": fail, "udp": fail}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(-1)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}

			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, status)
			}
			if len(checks) != len(tt.checks) {
				t.Errorf("Expected %d checks, got %d", len(tt.checks), len(checks))
			}
		})
	}
}

func TestChecker_OrderAndMessage(t *testing.T) {
	c := NewChecker(-1)
	c.Register("udp", fail)
	c.Register("tcp", pass)

	_, checks := c.Health(context.Background())
	if checks[0].Name != "tcp" || checks[1].Name != "udp" {
		t.Fatalf("Expected checks ordered by name, got %s, %s", checks[0].Name, checks[1].Name)
	}
	if checks[1].Message != errStopped.Error() || checks[1].Status != StatusUnhealthy {
		t.Errorf("Unexpected failing check %+v", checks[1])
	}
}

func TestChecker_Cache(t *testing.T) {
	now := time.Now()
	c := NewChecker(time.Minute)
	c.now = func() time.Time { return now }

	calls := 0
	c.Register("tcp", func(context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Errorf("Expected cached result, check ran %d times", calls)
	}

	now = now.Add(2 * time.Minute)
	c.Health(context.Background())
	if calls != 2 {
		t.Errorf("Expected expired cache to rerun check, ran %d times", calls)
	}
}

func TestHandlers(t *testing.T) {
	c := NewChecker(-1)
	c.Register("tcp", pass)
	c.Register("udp", fail)
	mux := c.Mux()

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/health", http.StatusOK, string(StatusDegraded)},
		{"/ready", http.StatusServiceUnavailable, string(StatusDegraded)},
		{"/live", http.StatusOK, "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected JSON content type, got %q", ct)
			}

			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			if body.Status != tt.want {
				t.Errorf("Expected status %q, got %q", tt.want, body.Status)
			}
		})
	}
}
