package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job label values for transfer metrics. Dedup-served uploads report as
// MagicUploadJob so operators can tell real byte flow from dedup hits.
const (
	JobUpload      = "UploadJob"
	JobMagicUpload = "MagicUploadJob"
	JobDownload    = "DownloadJob"
)

// TransferMetrics records transfer-controller activity.
//
// A nil *TransferMetrics is a valid no-op receiver, so controllers can be
// constructed without metrics wiring in tests.
type TransferMetrics struct {
	begins *prometheus.CounterVec
	offset *prometheus.GaugeVec
	bytes  *prometheus.CounterVec
	errors *prometheus.CounterVec
}

// NewTransferMetrics creates the transfer metric instruments.
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewTransferMetrics() *TransferMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &TransferMetrics{
		begins: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filerift_transfer_begin_total",
				Help: "Number of transfers started, by job kind",
			},
			[]string{"job"},
		),
		offset: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "filerift_transfer_offset_bytes",
				Help: "Byte offset published in the last begin_content, by job kind",
			},
			[]string{"job"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filerift_transfer_bytes_total",
				Help: "Payload bytes moved through the transfer path, by job kind",
			},
			[]string{"job"},
		),
		errors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "filerift_transfer_errors_total",
				Help: "Transfer requests terminated with an error, by job kind and code",
			},
			[]string{"job", "code"},
		),
	}
}

// RecordBegin records a transfer start and its begin_content offset.
func (m *TransferMetrics) RecordBegin(job string, offset uint64) {
	if m == nil {
		return
	}
	m.begins.WithLabelValues(job).Inc()
	m.offset.WithLabelValues(job).Set(float64(offset))
}

// RecordBytes accumulates payload bytes moved.
func (m *TransferMetrics) RecordBytes(job string, n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(job).Add(float64(n))
}

// RecordError records a transfer terminated with the given wire code.
func (m *TransferMetrics) RecordError(job, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(job, code).Inc()
}
