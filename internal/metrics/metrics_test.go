package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_namespace")
	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal should be initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration should be initialized")
	}
	if m.AuthzDecisions == nil {
		t.Error("AuthzDecisions should be initialized")
	}
	if m.StorageOpsTotal == nil {
		t.Error("StorageOpsTotal should be initialized")
	}
	if m.CacheHits == nil {
		t.Error("CacheHits should be initialized")
	}
}

func TestNewMetrics_Singleton(t *testing.T) {
	m1 := NewMetrics("test")
	m2 := NewMetrics("other")

	if m1 != m2 {
		t.Error("NewMetrics should return the same instance (singleton)")
	}
}

func TestRecordDecision(t *testing.T) {
	m := newMetrics("decision_test")

	m.RecordDecision("admin", true)
	m.RecordDecision("none", false)
	m.RecordDecision("none", false)

	if got := testutil.ToFloat64(m.AuthzDecisions.WithLabelValues("none", "denied")); got != 2 {
		t.Errorf("Expected 2 denied decisions, got %v", got)
	}
	if got := testutil.ToFloat64(m.AuthzDecisions.WithLabelValues("admin", "allowed")); got != 1 {
		t.Errorf("Expected 1 allowed decision, got %v", got)
	}
	if m.DeniedDecisions() != 2 {
		t.Errorf("Expected denied counter 2, got %d", m.DeniedDecisions())
	}
}

func TestObserveStorageOp(t *testing.T) {
	m := newMetrics("storage_test")

	m.ObserveStorageOp("ListBuckets", nil, 10*time.Millisecond)
	m.ObserveStorageOp("ListBuckets", errors.New("throttled"), 5*time.Millisecond)

	if got := testutil.ToFloat64(m.StorageOpsTotal.WithLabelValues("ListBuckets", "success")); got != 1 {
		t.Errorf("Expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.StorageOpsTotal.WithLabelValues("ListBuckets", "error")); got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
}

func TestRecordCatalogSync(t *testing.T) {
	m := newMetrics("catalog_test")

	m.RecordCatalogSync(3, nil)
	m.RecordCatalogSync(0, errors.New("boom"))

	if got := testutil.ToFloat64(m.CatalogAdded); got != 3 {
		t.Errorf("Expected 3 added buckets, got %v", got)
	}
	if got := testutil.ToFloat64(m.CatalogSyncs.WithLabelValues("error")); got != 1 {
		t.Errorf("Expected 1 failed sync, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	m.ObserveRequest("GET", "/api/buckets", 200, time.Millisecond)
	m.IncInFlight()
	m.DecInFlight()
	m.RecordDecision("none", false)
	m.RecordTransition("approved")
	m.ObserveStorageOp("ListObjects", nil, time.Millisecond)
	m.IncCacheHit("stats")
	m.IncCacheMiss("stats")
	m.RecordCatalogSync(1, nil)
	m.RecordAuthAttempt("bearer", "success")

	if m.DeniedDecisions() != 0 {
		t.Error("Nil metrics should report zero denials")
	}
}

func TestHandler(t *testing.T) {
	m := newMetrics("handler_test")
	m.ObserveRequest("GET", "/api/stats", http.StatusOK, 3*time.Millisecond)
	m.RecordTransition("approved")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Failed to scrape metrics: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, `handler_test_http_requests_total{method="GET",route="/api/stats",status="200"} 1`) {
		t.Errorf("Expected request counter in output:\n%s", text)
	}
	if !strings.Contains(text, `handler_test_access_request_transitions_total{status="approved"} 1`) {
		t.Error("Expected transition counter in output")
	}
}
