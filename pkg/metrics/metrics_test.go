package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewCollector_IsolatedRegistries(t *testing.T) {
	// Two collectors on separate registries must not collide.
	a := NewCollector("forecast", prometheus.NewRegistry())
	b := NewCollector("forecast", prometheus.NewRegistry())

	a.RecordCycle("succeeded")
	a.RecordCycle("succeeded")
	b.RecordCycle("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.CyclesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CyclesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.CyclesTotal.WithLabelValues("failed")))
}

func TestCollector_RecordStorageOp(t *testing.T) {
	c := NewCollector("forecast", prometheus.NewRegistry())

	c.RecordStorageOp("put", nil)
	c.RecordStorageOp("put", errors.New("denied"))
	c.RecordStorageOp("put", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.StorageOpsTotal.WithLabelValues("put", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StorageOpsTotal.WithLabelValues("put", "error")))
}
