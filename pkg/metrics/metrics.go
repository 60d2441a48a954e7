package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Drop reasons reported by the merge engine.
const (
	DropDuplicateID      = "duplicate_id"
	DropTransient        = "transient"
	DropPendingConfirmed = "pending_confirmed"
	DropStreamSuperseded = "stream_superseded"
)

// Recorder collects reconciliation counters. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	merges           prometheus.Counter
	mergedMessages   prometheus.Histogram
	dedupDrops       *prometheus.CounterVec
	pendingConfirmed prometheus.Counter
	pendingFailed    prometheus.Counter
	lateChunks       prometheus.Counter
	streamTerminal   *prometheus.CounterVec
	records          *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Number of merge passes.",
		}),
		mergedMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merged_messages",
			Help:      "Messages in a merged conversation view.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		dedupDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_drops_total",
			Help:      "Messages dropped while merging, by reason.",
		}, []string{"reason"}),
		pendingConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_confirmed_total",
			Help:      "Pending messages removed after server confirmation.",
		}),
		pendingFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_failed_total",
			Help:      "Pending messages marked as failed.",
		}),
		lateChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_late_chunks_total",
			Help:      "Stream chunks ignored after the reply was terminal.",
		}),
		streamTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_finished_total",
			Help:      "Streamed replies that reached a terminal state.",
		}, []string{"state"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_received_total",
			Help:      "Raw records received, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		r.merges,
		r.mergedMessages,
		r.dedupDrops,
		r.pendingConfirmed,
		r.pendingFailed,
		r.lateChunks,
		r.streamTerminal,
		r.records,
	)
	return r
}

func (r *Recorder) Merge(size int) {
	if r == nil {
		return
	}
	r.merges.Inc()
	r.mergedMessages.Observe(float64(size))
}

func (r *Recorder) Dropped(reason string) {
	if r == nil {
		return
	}
	r.dedupDrops.WithLabelValues(reason).Inc()
}

func (r *Recorder) PendingConfirmed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.pendingConfirmed.Add(float64(n))
}

func (r *Recorder) PendingFailed() {
	if r == nil {
		return
	}
	r.pendingFailed.Inc()
}

func (r *Recorder) LateChunks(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.lateChunks.Add(float64(n))
}

func (r *Recorder) StreamFinished(state string) {
	if r == nil {
		return
	}
	r.streamTerminal.WithLabelValues(state).Inc()
}

func (r *Recorder) Record(kind string) {
	if r == nil {
		return
	}
	r.records.WithLabelValues(kind).Inc()
}
