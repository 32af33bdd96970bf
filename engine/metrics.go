package engine

import (
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/cbengine/engine/trace"
)

// PipelineMetrics is a point-in-time snapshot of pipeline state.
type PipelineMetrics struct {
	Requests          int     // non-terminal requests, waiting or running
	ScheduledRequests int     // requests in the running set
	CacheUsage        float64 // percentage of KV blocks in use
	MaxCacheUsage     float64 // peak CacheUsage since construction
	AvgCacheUsage     float64 // mean CacheUsage over all steps
	Steps             int
	Preemptions       int
	GeneratedTokens   int
	CacheHitRate      float64 // fraction of looked-up prefix blocks served from cache
}

// collectors are the Prometheus series of one pipeline. With a nil
// registerer they are created but never exported.
type collectors struct {
	steps           prometheus.Counter
	preemptions     prometheus.Counter
	generatedTokens prometheus.Counter
	finished        *prometheus.CounterVec
	batchTokens     prometheus.Histogram
	cacheUsage      prometheus.Gauge
	running         prometheus.Gauge
	waiting         prometheus.Gauge
	cacheHitRate    prometheus.Gauge
}

func newCollectors(reg prometheus.Registerer) *collectors {
	factory := promauto.With(reg)
	return &collectors{
		steps: factory.NewCounter(prometheus.CounterOpts{
			Name: "cbengine_steps_total",
			Help: "Number of scheduling steps executed",
		}),
		preemptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cbengine_preemptions_total",
			Help: "Number of request preemptions",
		}),
		generatedTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "cbengine_generated_tokens_total",
			Help: "Number of tokens sampled",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cbengine_requests_terminated_total",
			Help: "Requests reaching a terminal state",
		}, []string{"status"}),
		batchTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cbengine_batch_tokens",
			Help:    "Tokens per executed step",
			Buckets: []float64{1, 8, 32, 64, 128, 256, 512, 1024, 2048, 4096},
		}),
		cacheUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cbengine_kv_cache_usage_ratio",
			Help: "Fraction of KV cache blocks in use",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cbengine_requests_running",
			Help: "Requests in the running set",
		}),
		waiting: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cbengine_requests_waiting",
			Help: "Requests in the wait queue",
		}),
		cacheHitRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cbengine_prefix_cache_hit_ratio",
			Help: "Fraction of looked-up prefix blocks served from cache",
		}),
	}
}

// Metrics returns a snapshot of the pipeline counters as of the last step.
func (p *Pipeline) Metrics() PipelineMetrics {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	m := p.stats
	m.GeneratedTokens = p.generated
	return m
}

// record closes a step: metrics, trace and the step log line. usage is
// the pool usage right after scheduling, the step's peak.
func (p *Pipeline) record(batch *StepBatch, usage float64) {
	c := p.collectors
	c.steps.Inc()
	if !batch.Empty() {
		c.batchTokens.Observe(float64(batch.NumTokens))
	}
	c.preemptions.Add(float64(len(batch.Preempted)))
	c.cacheUsage.Set(usage)
	c.running.Set(float64(p.running.Len()))
	c.waiting.Set(float64(p.waitQ.Len()))
	c.cacheHitRate.Set(p.index.HitRate())

	p.statsMu.Lock()
	p.preemptions += len(batch.Preempted)
	p.usageSum += usage * 100
	steps := p.step + 1
	p.stats = PipelineMetrics{
		Requests:          len(p.active),
		ScheduledRequests: p.running.Len(),
		CacheUsage:        usage * 100,
		MaxCacheUsage:     max(p.stats.MaxCacheUsage, usage*100),
		AvgCacheUsage:     p.usageSum / float64(steps),
		Steps:             steps,
		Preemptions:       p.preemptions,
		CacheHitRate:      p.index.HitRate(),
	}
	p.statsMu.Unlock()

	if p.trace.Enabled() {
		p.trace.RecordStep(trace.StepRecord{
			Step:         batch.Step,
			NumTokens:    batch.NumTokens,
			NumSequences: batch.NumSequences(),
			NumCopies:    len(batch.Copies),
			Admitted:     slices.Clone(batch.Admitted),
			Finished:     slices.Clone(p.stepFinished),
			Aborted:      slices.Clone(p.stepAborted),
			FreeBlocks:   p.pool.NumFree(),
			CacheUsage:   usage,
		})
		for _, pr := range batch.Preempted {
			p.trace.RecordPreemption(trace.PreemptionRecord{
				Step:            batch.Step,
				RequestID:       pr.RequestID,
				Requester:       pr.Requester,
				ReclaimedBlocks: pr.ReclaimedBlocks,
			})
		}
	}
	logrus.Debugf("[step %07d] %d tokens, %d sequences, %d copies, %d/%d blocks free, %d running, %d waiting",
		batch.Step, batch.NumTokens, batch.NumSequences(), len(batch.Copies),
		p.pool.NumFree(), p.pool.TotalBlocks(), p.running.Len(), p.waitQ.Len())
}

// refreshCounts updates the request counters between steps.
func (p *Pipeline) refreshCounts() {
	p.statsMu.Lock()
	p.stats.Requests = len(p.active)
	p.stats.ScheduledRequests = p.running.Len()
	p.statsMu.Unlock()
}
