package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The registry is process-wide, so ordering matters: the disabled-path
// assertions must run before InitRegistry.
func TestTransferMetrics(t *testing.T) {
	require.False(t, IsEnabled())

	// Disabled: nil instruments, and the nil receiver is a safe no-op.
	var m *TransferMetrics = NewTransferMetrics()
	assert.Nil(t, m)
	m.RecordBegin(JobUpload, 0)
	m.RecordBytes(JobUpload, 10)
	m.RecordError(JobUpload, "TRY_AGAIN")

	InitRegistry()
	InitRegistry() // idempotent
	require.True(t, IsEnabled())

	m = NewTransferMetrics()
	require.NotNil(t, m)

	m.RecordBegin(JobUpload, 512)
	m.RecordBytes(JobUpload, 100)
	m.RecordBytes(JobUpload, 50)
	m.RecordError(JobDownload, "NOT_AVAILABLE")

	families, err := GetRegistry().Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily)
	for _, f := range families {
		byName[f.GetName()] = f
	}

	bytes := byName["filerift_transfer_bytes_total"]
	require.NotNil(t, bytes)
	require.Len(t, bytes.GetMetric(), 1)
	assert.Equal(t, float64(150), bytes.GetMetric()[0].GetCounter().GetValue())

	offset := byName["filerift_transfer_offset_bytes"]
	require.NotNil(t, offset)
	assert.Equal(t, float64(512), offset.GetMetric()[0].GetGauge().GetValue())

	errs := byName["filerift_transfer_errors_total"]
	require.NotNil(t, errs)
	require.Len(t, errs.GetMetric(), 1)
	labels := errs.GetMetric()[0].GetLabel()
	values := make(map[string]string)
	for _, l := range labels {
		values[l.GetName()] = l.GetValue()
	}
	assert.Equal(t, JobDownload, values["job"])
	assert.Equal(t, "NOT_AVAILABLE", values["code"])
}
