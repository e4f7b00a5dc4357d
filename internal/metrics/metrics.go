package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter

	// Clones and Syntheses are labelled by result: ok, rejected, provider_error, commit_error.
	Clones    *prometheus.CounterVec
	Syntheses *prometheus.CounterVec
	// Rejections counts admission refusals by the cap that was hit.
	Rejections     *prometheus.CounterVec
	MirrorFailures *prometheus.CounterVec
	LedgerFailures prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "mirror_jobs_enqueued_total",
				Help:      "Total mirror reconcile jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "mirror_jobs_processed_total",
				Help:      "Total mirror reconcile jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "mirror_jobs_failed_total",
				Help:      "Total mirror reconcile jobs failed during processing",
			}),
			Clones: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "clone_attempts_total",
				Help:      "Clone attempts by outcome",
			}, []string{"result"}),
			Syntheses: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "synthesize_attempts_total",
				Help:      "Synthesize attempts by outcome",
			}, []string{"result"}),
			Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "admission_rejections_total",
				Help:      "Requests refused before the provider call, by cap",
			}, []string{"cap"}),
			MirrorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "mirror_failures_total",
				Help:      "Best-effort catalog mirror writes that failed",
			}, []string{"op"}),
			LedgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "voiceslot",
				Name:      "ledger_failures_total",
				Help:      "Usage ledger appends that failed after a successful provider call",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.Clones,
			global.Syntheses,
			global.Rejections,
			global.MirrorFailures,
			global.LedgerFailures,
		)
	})
	return global
}
