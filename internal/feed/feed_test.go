package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestValuation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/valuations/pos-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":"10250.50","as_of":"2025-06-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	val, err := c.Valuation(context.Background(), "pos-1")
	if err != nil {
		t.Fatalf("Valuation: %v", err)
	}
	if !val.Value.Equal(decimal.NewFromFloat(10250.50)) {
		t.Errorf("value = %s, want 10250.50", val.Value)
	}
	if val.PositionID != "pos-1" {
		t.Errorf("position id = %q, want pos-1", val.PositionID)
	}
	if val.AsOf.IsZero() {
		t.Error("as_of should be set")
	}
}

func TestSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"sigma":"0.42","regime":"high","as_of":"2025-06-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	sig, err := c.Signal(context.Background())
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if sig.Regime != "high" {
		t.Errorf("regime = %q, want high", sig.Regime)
	}
	if sig.Missing() {
		t.Error("signal should not be missing")
	}
}

func TestValuation_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if _, err := c.Valuation(context.Background(), "pos-1"); err == nil {
		t.Fatal("expected error on 502")
	}
}
