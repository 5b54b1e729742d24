package requestlog

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_WritesRecord(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := NewLogger(zap.New(core), nil, 8)

	rec := AcquireRecord()
	rec.Host = "app.example.com"
	rec.Status = 200
	logger.Log(rec)
	logger.Close()

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["host"] != "app.example.com" {
		t.Errorf("host = %v, want app.example.com", entries[0].ContextMap()["host"])
	}
}

func TestLogger_OverflowNeverBlocksCaller(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := NewLogger(zap.New(core), nil, 1)

	// Enqueue far more than capacity: every Log call must return without
	// blocking, and the writer must still have written at least one record.
	// Which records are dropped depends on the writer's timing and is not
	// asserted here.
	for i := 0; i < 10; i++ {
		rec := AcquireRecord()
		rec.Path = "/x"
		logger.Log(rec)
	}
	logger.Close()

	if len(observed.All()) == 0 {
		t.Error("expected at least one record to have been written")
	}
}

type fakeGeo struct{}

func (fakeGeo) Lookup(ip string) (string, string, string) { return "US", "CA", "San Francisco" }

func TestLogger_EnrichesWithGeoLookup(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := NewLogger(zap.New(core), fakeGeo{}, 8)

	rec := AcquireRecord()
	rec.ClientIP = "203.0.113.5"
	logger.Log(rec)
	logger.Close()

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["geo_country"] != "US" {
		t.Errorf("geo_country = %v, want US", entries[0].ContextMap()["geo_country"])
	}
}

func TestAcquireRecord_IsZeroed(t *testing.T) {
	r := AcquireRecord()
	r.Host = "stale"
	releaseRecord(r)

	r2 := AcquireRecord()
	if r2.Host != "" {
		t.Errorf("expected a zeroed record, got Host = %q", r2.Host)
	}
}
