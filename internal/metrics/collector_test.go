package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.requestsTotal)
	assert.NotNil(t, collector.denialsTotal)
	assert.NotNil(t, collector.upstreamTokens)
	assert.NotNil(t, collector.asyncDropped)
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
		c.RecordRequest("success")
		c.RecordDenial("QUOTA_EXCEEDED", "daily")
		c.RecordSafetyVerdict("block", "high")
		c.RecordDeviation(1)
		c.RecordBlock("deviation")
		c.RecordAlert("large_request", "high")
		c.RecordRateLimitDegraded()
		c.RecordUpstream("openai", "gpt-4", "success", time.Second, 1, 1)
		c.RecordAsyncDrop("save_record")
		c.RecordDBConnections("postgres", 1, 1)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/health", 200, 100*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/health", 204, 50*time.Millisecond)
	collector.RecordHTTPRequest("GET", "/ready", 503, 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/health", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/ready", "5xx")))
}

func TestCollector_GovernanceMetrics(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordRequest("success")
	collector.RecordRequest("blocked")
	collector.RecordRequest("blocked")
	collector.RecordDenial("QUOTA_EXCEEDED", "daily")
	collector.RecordSafetyVerdict("warn", "medium")
	collector.RecordDeviation(1.0)
	collector.RecordBlock("deviation")
	collector.RecordAlert("large_request", "high")
	collector.RecordRateLimitDegraded()

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.requestsTotal.WithLabelValues("blocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.denialsTotal.WithLabelValues("QUOTA_EXCEEDED", "daily")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.safetyVerdicts.WithLabelValues("warn", "medium")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.blocksTotal.WithLabelValues("deviation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.alertsTotal.WithLabelValues("large_request", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.rateLimitErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.deviationDelta))
}

func TestCollector_RecordUpstream(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordUpstream("openai", "gpt-4", "success", 500*time.Millisecond, 100, 50)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.upstreamRequests.WithLabelValues("openai", "gpt-4", "success")))
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.upstreamTokens.WithLabelValues("openai", "gpt-4", "prompt")))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.upstreamTokens.WithLabelValues("openai", "gpt-4", "completion")))
}

func TestCollector_AsyncAndDB(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordAsyncDrop("save_record")
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.asyncDropped.WithLabelValues("save_record")))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordRequest("success")
			collector.RecordUpstream("openai", "gpt-4", "success", time.Millisecond, 1, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(collector.requestsTotal.WithLabelValues("success")))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(200))
	assert.Equal(t, "4xx", statusCode(429))
	assert.Equal(t, "5xx", statusCode(503))
	assert.Equal(t, "unknown", statusCode(0))
}
