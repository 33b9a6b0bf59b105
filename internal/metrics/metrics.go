// Package metrics exposes pipeline counters and gauges through Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every recorder is then a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	queries          prometheus.Counter
	oracleLabels     *prometheus.CounterVec
	oracleErrors     prometheus.Counter
	disagreement     prometheus.Histogram
	candidatePairs   prometheus.Histogram
	poolSize         prometheus.Gauge
	poolEvictions    prometheus.Counter
	bufferSize       *prometheus.GaugeVec
	bufferEvictions  *prometheus.CounterVec
	trainingEpochs   prometheus.Counter
	checkpointsSaved prometheus.Counter
	segments         prometheus.Counter
	policyScore      prometheus.Gauge
	workerRestarts   *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		queries: factory.NewCounter(prometheus.CounterOpts{
			Name: "drlhp_queries_total",
			Help: "Segment pairs sent to the oracle",
		}),
		oracleLabels: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drlhp_oracle_labels_total",
			Help: "Oracle judgments by label",
		}, []string{"label"}),
		oracleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "drlhp_oracle_errors_total",
			Help: "Queries abandoned because the oracle failed",
		}),
		disagreement: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drlhp_query_disagreement",
			Help:    "Ensemble variance of the selected pair",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.25},
		}),
		candidatePairs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drlhp_query_candidate_pairs",
			Help:    "Untested candidate pairs scored per query",
			Buckets: []float64{1, 5, 10, 20, 30, 45},
		}),
		poolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drlhp_segment_pool_size",
			Help: "Segments retained in the query pool",
		}),
		poolEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "drlhp_segment_pool_evictions_total",
			Help: "Segments evicted from the query pool",
		}),
		bufferSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drlhp_prefs_buffer_size",
			Help: "Preferences held per split",
		}, []string{"split"}),
		bufferEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drlhp_prefs_buffer_evictions_total",
			Help: "Preferences evicted per split",
		}, []string{"split"}),
		trainingEpochs: factory.NewCounter(prometheus.CounterOpts{
			Name: "drlhp_reward_training_epochs_total",
			Help: "Reward predictor training epochs run",
		}),
		checkpointsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "drlhp_reward_checkpoints_total",
			Help: "Reward predictor checkpoints written",
		}),
		segments: factory.NewCounter(prometheus.CounterOpts{
			Name: "drlhp_segments_generated_total",
			Help: "Rollout segments sent to the query engine",
		}),
		policyScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drlhp_policy_score",
			Help: "Best score reached by the last policy update",
		}),
		workerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drlhp_worker_restarts_total",
			Help: "Supervisor restarts per worker",
		}, []string{"worker"}),
	}
}

func (m *Metrics) QueryIssued(candidates int, disagreement float64) {
	if m == nil {
		return
	}
	m.queries.Inc()
	m.candidatePairs.Observe(float64(candidates))
	m.disagreement.Observe(disagreement)
}

func (m *Metrics) OracleLabel(label string) {
	if m == nil {
		return
	}
	m.oracleLabels.WithLabelValues(label).Inc()
}

func (m *Metrics) OracleError() {
	if m == nil {
		return
	}
	m.oracleErrors.Inc()
}

func (m *Metrics) PoolSize(n int, evicted bool) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
	if evicted {
		m.poolEvictions.Inc()
	}
}

func (m *Metrics) BufferSizes(train, val int) {
	if m == nil {
		return
	}
	m.bufferSize.WithLabelValues("train").Set(float64(train))
	m.bufferSize.WithLabelValues("validation").Set(float64(val))
}

func (m *Metrics) BufferEviction(split string) {
	if m == nil {
		return
	}
	m.bufferEvictions.WithLabelValues(split).Inc()
}

func (m *Metrics) TrainingEpoch() {
	if m == nil {
		return
	}
	m.trainingEpochs.Inc()
}

func (m *Metrics) CheckpointSaved() {
	if m == nil {
		return
	}
	m.checkpointsSaved.Inc()
}

func (m *Metrics) SegmentGenerated() {
	if m == nil {
		return
	}
	m.segments.Inc()
}

func (m *Metrics) PolicyScore(score float64) {
	if m == nil {
		return
	}
	m.policyScore.Set(score)
}

func (m *Metrics) WorkerRestart(worker string) {
	if m == nil {
		return
	}
	m.workerRestarts.WithLabelValues(worker).Inc()
}

// Serve exposes the registry on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
