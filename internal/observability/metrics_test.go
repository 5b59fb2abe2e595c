package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/danmuck/flowctl/internal/flow"
	"github.com/danmuck/flowctl/internal/testutil/testlog"
)

var _ flow.Metrics = FlowMetrics{}

// counterValue sums the samples of family name whose labels include want.
func counterValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if g := metric.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	if got := counterValue(t, "flowctl_http_requests_total", map[string]string{"node": "node-a", "path": "/health"}); got != 1 {
		t.Fatalf("expected one request, got %v", got)
	}
}

func TestFlowMetricsRecordsEngineEvents(t *testing.T) {
	testlog.Start(t)
	m := NewFlowMetrics("node-flow")
	m.FlowStarted("initiator")
	m.SessionOpened("initiator")
	m.Suspended("send")
	m.Suspended("receive")
	m.EnvelopeSent("INIT")
	m.EnvelopeReceived("CONFIRM")
	m.EnvelopeDropped("duplicate")
	m.SessionEnded("CLOSED")
	m.FlowEnded("initiator", "ok")

	node := map[string]string{"node": "node-flow"}
	if got := counterValue(t, "flowctl_flow_suspensions_total", node); got != 2 {
		t.Fatalf("suspensions=%v", got)
	}
	if got := counterValue(t, "flowctl_flow_running", node); got != 0 {
		t.Fatalf("running=%v", got)
	}
	if got := counterValue(t, "flowctl_envelope_total", map[string]string{"node": "node-flow", "direction": "out"}); got != 1 {
		t.Fatalf("sent=%v", got)
	}
	if got := counterValue(t, "flowctl_envelope_dropped_total", map[string]string{"node": "node-flow", "reason": "duplicate"}); got != 1 {
		t.Fatalf("dropped=%v", got)
	}
	if got := counterValue(t, "flowctl_flow_ended_total", map[string]string{"node": "node-flow", "result": "ok"}); got != 1 {
		t.Fatalf("ended=%v", got)
	}
}

func TestRequestMiddlewareRecordsRoute(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestObserver("node-http", InitLogger("observability-test")))
	r.GET("/flows/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/flows/abc", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", w.Code)
	}
	want := map[string]string{"node": "node-http", "path": "/flows/:id", "status": "404"}
	if got := counterValue(t, "flowctl_http_requests_total", want); got != 1 {
		t.Fatalf("expected route template to be recorded, got %v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	want = map[string]string{"node": "node-http", "path": "unmatched", "status": "404"}
	if got := counterValue(t, "flowctl_http_requests_total", want); got != 1 {
		t.Fatalf("expected unmatched routes to share one label, got %v", got)
	}
}
