package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"blastpit/internal/sandbox/event"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", w.Code)
	}
	return w.Body.String()
}

func TestCollectorSeries(t *testing.T) {
	c := New()

	c.ObserveExecution("completed", 120*time.Millisecond)
	c.ObserveExecution("security_violation", 40*time.Millisecond)
	c.ObserveAnalysis("malicious", 2*time.Second)
	c.OnEvent("inst-1", event.Event{
		Type:      event.TypeSyscallBlocked,
		Severity:  event.SeverityHigh,
		Details:   "blocked syscall: ptrace",
		Timestamp: 1,
	})
	c.InstanceStarted()
	c.InstanceStarted()
	c.InstanceStopped()
	c.AnalysisAdmitted()

	body := scrape(t, c)
	for _, want := range []string{
		`blastpit_executions_total{outcome="completed"} 1`,
		`blastpit_executions_total{outcome="security_violation"} 1`,
		`blastpit_analyses_total{verdict="malicious"} 1`,
		`blastpit_security_events_total{event_type="syscall_blocked",severity="high"} 1`,
		`blastpit_active_instances 1`,
		`blastpit_analysis_queue_depth 1`,
		`blastpit_execution_duration_seconds_count 2`,
		`blastpit_analysis_duration_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q", want)
		}
	}
}

func TestMiddlewareObservesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := New()

	router := gin.New()
	router.Use(c.Middleware())
	router.GET("/ping", func(gc *gin.Context) {
		gc.String(http.StatusOK, "pong")
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("request status = %d, want 200", w.Code)
	}

	body := scrape(t, c)
	if !strings.Contains(body, `blastpit_http_requests_total{method="GET",path="/ping",status="200"} 1`) {
		t.Fatalf("request counter not observed:\n%s", body)
	}
}
