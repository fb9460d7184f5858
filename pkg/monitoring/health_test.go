package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := HTTPServiceHealthCheck("svc", s.URL)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestObjectStorageHealthCheck_Degraded(t *testing.T) {
	res := ObjectStorageHealthCheck(nil)()
	if res.Status != StatusDegraded {
		t.Fatalf("expected degraded when not configured, got %q", res.Status)
	}

	res = ObjectStorageHealthCheck(func(context.Context) error {
		return fmt.Errorf("connection refused")
	})()
	if res.Status != StatusDegraded {
		t.Fatalf("expected degraded when unreachable, got %q", res.Status)
	}
}

func TestObjectStorageHealthCheck_Healthy(t *testing.T) {
	res := ObjectStorageHealthCheck(func(context.Context) error { return nil })()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", res.Status)
	}
}

func TestDegradedStorageDoesNotFailService(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("database", func() CheckResult { return CheckResult{Status: "healthy"} })
	hc.AddCheck("object_storage", ObjectStorageHealthCheck(nil))

	status := hc.CheckHealth()
	if status.Status != StatusDegraded {
		t.Fatalf("expected overall degraded, got %q", status.Status)
	}
}
