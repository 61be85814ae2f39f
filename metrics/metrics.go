// Package metrics exposes Prometheus instruments for copy engines, pipes and endpoints.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DescriptorsEnqueued counts descriptors written to a ring
	DescriptorsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_ce_descriptors_enqueued_total",
			Help: "Descriptors written to copy engine rings",
		},
		[]string{"ce", "ring"},
	)

	// DescriptorsCompleted counts descriptors handed back by the device
	DescriptorsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_ce_descriptors_completed_total",
			Help: "Descriptors completed by the device",
		},
		[]string{"ce", "ring"},
	)

	// RingFull counts enqueue attempts rejected with no space
	RingFull = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_ce_ring_full_total",
			Help: "Enqueue attempts rejected because the ring was full",
		},
		[]string{"ce", "ring"},
	)

	// Doorbells counts write index publications
	Doorbells = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_ce_doorbells_total",
			Help: "Write index register updates",
		},
		[]string{"ce", "ring"},
	)

	// HardwareFaults counts detected bus or index faults
	HardwareFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_ce_hardware_faults_total",
			Help: "Poisoned register reads and impossible ring indexes",
		},
		[]string{"ce"},
	)

	// Watermarks counts watermark crossings
	Watermarks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_ce_watermark_events_total",
			Help: "Watermark crossings reported to upper layers",
		},
		[]string{"ce", "event"},
	)

	// InterruptIterations tracks completion loop iterations per serviced interrupt
	InterruptIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "htc_interrupt_iterations",
			Help:    "Completion loop iterations per serviced interrupt",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		},
	)

	// InterruptsDeferred counts interrupts that hit the iteration cap
	InterruptsDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "htc_interrupts_deferred_total",
			Help: "Interrupt services that hit the iteration cap and rescheduled themselves",
		},
	)

	// CreditsGranted counts credits returned by the target
	CreditsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_endpoint_credits_granted_total",
			Help: "Credits granted by the target",
		},
		[]string{"endpoint"},
	)

	// CreditsConsumed counts credits spent by admitted messages
	CreditsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_endpoint_credits_consumed_total",
			Help: "Credits spent by admitted messages",
		},
		[]string{"endpoint"},
	)

	// TxQueueDepth tracks messages waiting for credits
	TxQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "htc_endpoint_tx_queue_depth",
			Help: "Messages waiting in the endpoint transmit queue",
		},
		[]string{"endpoint"},
	)

	// Bundles counts gathered transfers and the messages they carried
	Bundles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_endpoint_bundles_total",
			Help: "Bundled transfers submitted",
		},
		[]string{"endpoint"},
	)

	// BundledMessages counts messages sent inside bundles
	BundledMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_endpoint_bundled_messages_total",
			Help: "Messages sent inside bundles",
		},
		[]string{"endpoint"},
	)

	// ProtocolErrors counts dropped malformed messages
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "htc_protocol_errors_total",
			Help: "Malformed frames or trailers dropped",
		},
		[]string{"reason"},
	)
)

func ceLabel(id int) string {
	return strconv.Itoa(id)
}

// RecordEnqueue records a descriptor written to ring ("src" or "dst").
func RecordEnqueue(ce int, ring string) {
	DescriptorsEnqueued.WithLabelValues(ceLabel(ce), ring).Inc()
}

// RecordCompletions records n completed descriptors.
func RecordCompletions(ce int, ring string, n int) {
	if n > 0 {
		DescriptorsCompleted.WithLabelValues(ceLabel(ce), ring).Add(float64(n))
	}
}

// RecordRingFull records a rejected enqueue.
func RecordRingFull(ce int, ring string) {
	RingFull.WithLabelValues(ceLabel(ce), ring).Inc()
}

// RecordDoorbell records a write index publication.
func RecordDoorbell(ce int, ring string) {
	Doorbells.WithLabelValues(ceLabel(ce), ring).Inc()
}

// RecordHardwareFault records a fault detected on ce.
func RecordHardwareFault(ce int) {
	HardwareFaults.WithLabelValues(ceLabel(ce)).Inc()
}

// RecordWatermark records a watermark crossing.
func RecordWatermark(ce int, event string) {
	Watermarks.WithLabelValues(ceLabel(ce), event).Inc()
}

// RecordCreditsGranted records credits returned to endpoint.
func RecordCreditsGranted(endpoint int, credits int) {
	CreditsGranted.WithLabelValues(strconv.Itoa(endpoint)).Add(float64(credits))
}

// RecordCreditsConsumed records credits spent on endpoint.
func RecordCreditsConsumed(endpoint int, credits int) {
	CreditsConsumed.WithLabelValues(strconv.Itoa(endpoint)).Add(float64(credits))
}

// SetTxQueueDepth publishes the current queue depth of endpoint.
func SetTxQueueDepth(endpoint int, depth int) {
	TxQueueDepth.WithLabelValues(strconv.Itoa(endpoint)).Set(float64(depth))
}

// RecordBundle records one bundle of messages.
func RecordBundle(endpoint int, messages int) {
	label := strconv.Itoa(endpoint)
	Bundles.WithLabelValues(label).Inc()
	BundledMessages.WithLabelValues(label).Add(float64(messages))
}

// RecordProtocolError records a dropped frame.
func RecordProtocolError(reason string) {
	ProtocolErrors.WithLabelValues(reason).Inc()
}
