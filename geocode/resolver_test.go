package geocode

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeProvider struct {
	name   string
	result *Result
	err    error
	calls  int32
}

func (p *fakeProvider) Name() string {
	return p.name
}

func (p *fakeProvider) Geocode(ctx context.Context, query string) (*Result, error) {
	atomic.AddInt32(&p.calls, 1)
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakeProvider) callCount() int32 {
	return atomic.LoadInt32(&p.calls)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func hit(name string, confidence float64) *Result {
	return &Result{
		Latitude:   decimal.NewFromFloat(19.4326),
		Longitude:  decimal.NewFromFloat(-99.1332),
		Confidence: confidence,
		Source:     name,
	}
}

func TestAddressPartsQuery(t *testing.T) {
	full := AddressParts{
		Address:      "Av. Insurgentes Sur 1234",
		Municipality: "Benito Juarez",
		State:        "Ciudad de Mexico",
		PostalCode:   "03100",
	}
	want := "Av. Insurgentes Sur 1234, Benito Juarez, Ciudad de Mexico, 03100, Mexico"
	if got := full.Query(); got != want {
		t.Fatalf("Query() = %q, want %q", got, want)
	}

	partial := AddressParts{State: "Jalisco"}
	if got := partial.Query(); got != "Jalisco, Mexico" {
		t.Fatalf("partial Query() = %q", got)
	}

	empty := AddressParts{Address: "  ", PostalCode: ""}
	if got := empty.Query(); got != "" {
		t.Fatalf("empty parts should compose empty query, got %q", got)
	}
}

func TestResolve_EmptyAddressShortCircuits(t *testing.T) {
	primary := &fakeProvider{name: "primary", result: hit("primary", 0.9)}
	r := newResolverWith(newTestLogger(), primary, nil, 0)

	if res := r.Resolve(context.Background(), AddressParts{}); res != nil {
		t.Fatalf("empty address should resolve to nil, got %+v", res)
	}
	if primary.callCount() != 0 {
		t.Fatal("empty address must not reach any provider")
	}
}

func TestResolve_PrimaryHit(t *testing.T) {
	primary := &fakeProvider{name: "primary", result: hit("primary", 0.9)}
	fallback := &fakeProvider{name: "fallback", result: hit("fallback", 0.5)}
	r := newResolverWith(newTestLogger(), primary, fallback, 0)

	res := r.Resolve(context.Background(), AddressParts{State: "Jalisco"})
	if res == nil || res.Source != "primary" {
		t.Fatalf("expected primary result, got %+v", res)
	}
	if fallback.callCount() != 0 {
		t.Fatal("fallback should not be consulted after a primary hit")
	}
}

func TestResolve_FallbackOnMiss(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	fallback := &fakeProvider{name: "fallback", result: hit("fallback", 0.5)}
	r := newResolverWith(newTestLogger(), primary, fallback, 0)

	res := r.Resolve(context.Background(), AddressParts{State: "Jalisco"})
	if res == nil || res.Source != "fallback" {
		t.Fatalf("expected fallback result, got %+v", res)
	}
	if primary.callCount() != 1 || fallback.callCount() != 1 {
		t.Fatalf("expected one call each, got primary=%d fallback=%d", primary.callCount(), fallback.callCount())
	}
}

func TestResolve_ProviderErrorDegradesToNil(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("timeout")}
	r := newResolverWith(newTestLogger(), primary, nil, 0)

	if res := r.Resolve(context.Background(), AddressParts{State: "Jalisco"}); res != nil {
		t.Fatalf("provider error should yield nil, got %+v", res)
	}
}

func TestResolve_ErrorThenFallback(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("timeout")}
	fallback := &fakeProvider{name: "fallback", result: hit("fallback", 0.5)}
	r := newResolverWith(newTestLogger(), primary, fallback, 0)

	res := r.Resolve(context.Background(), AddressParts{State: "Jalisco"})
	if res == nil || res.Source != "fallback" {
		t.Fatalf("expected fallback after primary error, got %+v", res)
	}
}

func TestWait_EnforcesMinInterval(t *testing.T) {
	primary := &fakeProvider{name: "primary", result: hit("primary", 0.9)}
	interval := 30 * time.Millisecond
	r := newResolverWith(newTestLogger(), primary, nil, interval)

	parts := AddressParts{State: "Jalisco"}
	start := time.Now()
	r.Resolve(context.Background(), parts)
	r.Resolve(context.Background(), parts)
	r.Resolve(context.Background(), parts)
	elapsed := time.Since(start)

	if elapsed < 2*interval {
		t.Fatalf("three requests should span at least %v, took %v", 2*interval, elapsed)
	}
}

func TestWait_CancelledContext(t *testing.T) {
	primary := &fakeProvider{name: "primary", result: hit("primary", 0.9)}
	r := newResolverWith(newTestLogger(), primary, nil, time.Hour)

	// First call consumes the free slot.
	r.Resolve(context.Background(), AddressParts{State: "Jalisco"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := r.Resolve(ctx, AddressParts{State: "Jalisco"}); res != nil {
		t.Fatalf("cancelled wait should yield nil, got %+v", res)
	}
	if primary.callCount() != 1 {
		t.Fatalf("cancelled wait must not reach the provider, calls=%d", primary.callCount())
	}
}

func TestMinConfidenceFloor(t *testing.T) {
	low := hit("primary", 0.2)
	if low.Confidence >= MinConfidence {
		t.Fatal("test fixture should be below the floor")
	}
	high := hit("primary", 0.31)
	if high.Confidence < MinConfidence {
		t.Fatal("0.31 should clear the floor")
	}
}
