package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	Init("test-node-1")

	assert.Equal(t, float64(1), testutil.ToFloat64(NodeInfo.WithLabelValues("test-node-1", Version)))
}

func TestRecordTransferDecision(t *testing.T) {
	TransferDecisions.Reset()
	EvaluationDuration.Reset()

	RecordTransferDecision("clipboard_copy", "BLOCKED", "CLIPBOARD_BLOCKED", 2*time.Millisecond)
	RecordTransferDecision("clipboard_copy", "BLOCKED", "CLIPBOARD_BLOCKED", time.Millisecond)

	count := testutil.ToFloat64(TransferDecisions.WithLabelValues("clipboard_copy", "BLOCKED", "CLIPBOARD_BLOCKED"))
	assert.Equal(t, float64(2), count)
}

func TestRecordScan(t *testing.T) {
	ScanOutcomes.Reset()

	RecordScan("sensitive", "timeout", 5*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(ScanOutcomes.WithLabelValues("sensitive", "timeout")))
}

func TestGatewayConnections(t *testing.T) {
	GatewayConnections.Set(0)

	IncrementGatewayConnections()
	IncrementGatewayConnections()
	DecrementGatewayConnections()

	assert.Equal(t, float64(1), testutil.ToFloat64(GatewayConnections))
}

func TestRecordWatermarkDetection(t *testing.T) {
	WatermarkDetections.Reset()

	RecordWatermarkDetection(true)
	RecordWatermarkDetection(false)
	RecordWatermarkDetection(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(WatermarkDetections.WithLabelValues("true")))
	assert.Equal(t, float64(2), testutil.ToFloat64(WatermarkDetections.WithLabelValues("false")))
}

func TestRecordBusPublish(t *testing.T) {
	BusPublished.Reset()

	RecordBusPublish("security.alert", nil)
	RecordBusPublish("security.alert", errors.New("down"))

	assert.Equal(t, float64(1), testutil.ToFloat64(BusPublished.WithLabelValues("security.alert", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(BusPublished.WithLabelValues("security.alert", "error")))
}

func TestStatusCodeToString(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeToString(tt.status))
	}
}

func TestAuditMetrics(t *testing.T) {
	before := testutil.ToFloat64(AuditWriteRetries)
	RecordAuditRetry()
	assert.Equal(t, before+1, testutil.ToFloat64(AuditWriteRetries))

	SetAuditSpooled(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(AuditSpooled))
}
