package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/danmuck/edgelink/internal/events"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("edgelink-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordPacket("in", "kdeconnect.ping")
	RecordDrop("kdeconnect.ping", "unpaired")
	LinkOpened("tls")
	LinkClosed("tls")

	logs.Logf("observability/metrics: registration idempotent and recording paths executed")
}

func TestObserveEventsCountsOutcomes(t *testing.T) {
	testlog.Start(t)
	bus := events.New()
	ObserveEvents(bus)

	before := testutil.ToFloat64(transferJobs.WithLabelValues("receive", "canceled"))
	bus.Publish(events.Event{Kind: "transfer.failed", Data: map[string]any{"direction": "receive", "canceled": true}})
	after := testutil.ToFloat64(transferJobs.WithLabelValues("receive", "canceled"))
	if after != before+1 {
		t.Fatalf("expected canceled counter to grow by 1, got %v -> %v", before, after)
	}

	pairBefore := testutil.ToFloat64(pairingEvents.WithLabelValues(events.KindPairFailed))
	bus.Publish(events.Event{Kind: events.KindPairFailed})
	if got := testutil.ToFloat64(pairingEvents.WithLabelValues(events.KindPairFailed)); got != pairBefore+1 {
		t.Fatalf("expected pairing counter to grow, got %v", got)
	}

	bytesBefore := testutil.ToFloat64(transferBytes.WithLabelValues("send"))
	bus.Publish(events.Event{Kind: "transfer.succeeded", Data: map[string]any{"direction": "send", "bytes": int64(30)}})
	if got := testutil.ToFloat64(transferBytes.WithLabelValues("send")); got != bytesBefore+30 {
		t.Fatalf("expected 30 more transfer bytes, got %v -> %v", bytesBefore, got)
	}
}

func TestMiddlewareLogsAndRecords(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(InitLogger("edgelink-test", &buf)), RequestMetricsMiddleware("edgelink-test"))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusTeapot, "x") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", w.Code)
	}
	if !strings.Contains(buf.String(), "http_request") {
		t.Fatalf("expected request log line, got %q", buf.String())
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("edgelink-test", "GET", "/ping", "418")); got < 1 {
		t.Fatalf("expected request counter, got %v", got)
	}
}
