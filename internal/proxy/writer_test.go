package proxy

import (
	"net/http/httptest"
	"testing"
)

func TestTrackingWriter_RecordsStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	tw := newTrackingWriter(rec)

	tw.Header().Set("Content-Type", "text/plain")
	tw.WriteHeader(201)
	n, err := tw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
	if tw.status != 201 {
		t.Errorf("status = %d, want 201", tw.status)
	}
	if tw.bytesOut != 5 {
		t.Errorf("bytesOut = %d, want 5", tw.bytesOut)
	}
	if tw.contentType() != "text/plain" {
		t.Errorf("contentType = %q, want text/plain", tw.contentType())
	}
}

func TestTrackingWriter_WriteWithoutExplicitHeaderDefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	tw := newTrackingWriter(rec)

	if _, err := tw.Write([]byte("ok")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if tw.status != 200 {
		t.Errorf("status = %d, want 200", tw.status)
	}
}

func TestTrackingWriter_WriteHeaderIsIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	tw := newTrackingWriter(rec)

	tw.WriteHeader(201)
	tw.WriteHeader(500)

	if tw.status != 201 {
		t.Errorf("status = %d, want 201 (first WriteHeader wins)", tw.status)
	}
}

func TestTrackingWriter_HijackFailsWithoutHijacker(t *testing.T) {
	rec := httptest.NewRecorder()
	tw := newTrackingWriter(rec)

	if _, _, err := tw.Hijack(); err == nil {
		t.Fatal("expected Hijack to fail against a non-hijacking ResponseWriter")
	}
}
