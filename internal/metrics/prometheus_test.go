package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestGet_Singleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestObserveOperation(t *testing.T) {
	r := Get()

	before := counterValue(t, r.OperationsTotal.WithLabelValues("nftables", "apply_zone", "error"))
	r.ObserveOperation("nftables", "apply_zone", time.Now(), errors.New("boom"))
	r.ObserveOperation("nftables", "apply_zone", time.Now(), nil)

	assert.Equal(t, before+1, counterValue(t, r.OperationsTotal.WithLabelValues("nftables", "apply_zone", "error")))
	assert.GreaterOrEqual(t, counterValue(t, r.OperationsTotal.WithLabelValues("nftables", "apply_zone", "ok")), 1.0)
}

func TestRecordRollbackAndReload(t *testing.T) {
	r := Get()

	r.RecordRollback("iptables", nil)
	r.RecordRollback("iptables", errors.New("stuck"))
	r.RecordReload(nil)

	assert.GreaterOrEqual(t, counterValue(t, r.RollbacksTotal.WithLabelValues("iptables", "ok")), 1.0)
	assert.GreaterOrEqual(t, counterValue(t, r.RollbacksTotal.WithLabelValues("iptables", "error")), 1.0)
	assert.GreaterOrEqual(t, counterValue(t, r.ReloadsTotal.WithLabelValues("ok")), 1.0)
}
