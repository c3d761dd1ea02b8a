package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var routedTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minimind_generated_tokens_total",
		Help: "The total number of tokens generated",
	})

	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minimind_forward_duration_seconds",
		Help:    "Duration of a model forward pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	GenerationStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_generation_step_duration_seconds",
		Help:    "Duration of one decode step including sampling",
		Buckets: prometheus.DefBuckets,
	})

	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimind_generations_total",
		Help: "Finished generation sessions by stop reason",
	}, []string{"reason"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_context_length_tokens",
		Help:    "Distribution of context lengths processed",
		Buckets: []float64{8, 32, 128, 512, 1024, 2048, 4096, 8192},
	})

	KVCacheLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_kv_cache_length_tokens",
		Help:    "Sequence length held in the KV cache after a forward pass",
		Buckets: []float64{8, 32, 128, 512, 1024, 2048, 4096, 8192},
	})

	KVCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minimind_kv_cache_bytes",
		Help: "Bytes held by the most recently updated KV cache",
	})

	TensorAllocatedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minimind_tensor_allocated_bytes_total",
		Help: "Bytes allocated for tensors",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimind_validation_errors_total",
		Help: "Total number of rejected configurations and precondition violations",
	}, []string{"operation", "error_type"})

	SamplingTemperature = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_sampling_temperature",
		Help:    "Temperature used for sampling",
		Buckets: []float64{0, 0.1, 0.3, 0.5, 0.7, 0.85, 1.0, 1.5, 2.0},
	})

	SamplingTopP = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_sampling_top_p",
		Help:    "Nucleus threshold used for sampling",
		Buckets: []float64{0.1, 0.5, 0.8, 0.9, 0.95, 0.99, 1.0},
	})

	SamplingRepetitionPenalty = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_sampling_repetition_penalty",
		Help:    "Repetition penalty used for sampling",
		Buckets: []float64{1.0, 1.05, 1.1, 1.2, 1.5, 2.0},
	})

	SamplingNucleusSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_sampling_nucleus_size",
		Help:    "Number of candidate tokens left after top-k/top-p filtering",
		Buckets: []float64{1, 2, 5, 10, 50, 100, 1000, 10000},
	})

	MOELayerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_moe_layer_latency_seconds",
		Help:    "MoE layer forward pass latency",
		Buckets: prometheus.DefBuckets,
	})

	MOERoutingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "minimind_moe_routing_latency_seconds",
		Help:    "Expert routing (gate + top-k selection) latency",
		Buckets: prometheus.DefBuckets,
	})

	MOEExpertSelection = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimind_moe_expert_selection_total",
		Help: "Total number of tokens routed to an expert",
	}, []string{"layer", "expert_id"})

	MOEExpertUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "minimind_moe_expert_utilization",
		Help: "Share of all routed assignments that went to an expert",
	}, []string{"layer", "expert_id"})

	MOEAuxLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minimind_moe_aux_loss",
		Help: "Total auxiliary load-balancing loss of the last training forward pass",
	})
)

func RecordForward(mode string, tokens int, duration time.Duration) {
	ForwardDuration.WithLabelValues(mode).Observe(duration.Seconds())
	ContextLengthHistogram.Observe(float64(tokens))
}

func RecordGenerationStep(duration time.Duration) {
	InferenceTokensTotal.Inc()
	GenerationStepDuration.Observe(duration.Seconds())
}

func RecordGenerationDone(reason string) {
	GenerationsTotal.WithLabelValues(reason).Inc()
}

func RecordKVCache(seqLen int, bytes int64) {
	KVCacheLength.Observe(float64(seqLen))
	KVCacheBytes.Set(float64(bytes))
}

func RecordTensorAlloc(bytes int64) {
	TensorAllocatedBytes.Add(float64(bytes))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordSampling records the sampling parameters of one draw and how many
// candidates survived filtering.
func RecordSampling(temperature, topP, repPenalty float64, candidates int) {
	SamplingTemperature.Observe(temperature)
	SamplingTopP.Observe(topP)
	SamplingRepetitionPenalty.Observe(repPenalty)
	SamplingNucleusSize.Observe(float64(candidates))
}

func RecordMOELayerLatency(duration time.Duration) {
	MOELayerLatency.Observe(duration.Seconds())
}

func RecordMOERoutingLatency(duration time.Duration) {
	MOERoutingLatency.Observe(duration.Seconds())
}

func RecordMOEAuxLoss(loss float32) {
	MOEAuxLoss.Set(float64(loss))
}

var moeExpertCounts sync.Map // "layer:expert" -> *atomic.Int64

// RecordMOEExpertSelection adds one routing call's per-expert token counts
// for a layer and refreshes the utilization gauges.
func RecordMOEExpertSelection(layerIdx int, counts []int) {
	layerStr := strconv.Itoa(layerIdx)

	var assigned int64
	for _, c := range counts {
		assigned += int64(c)
	}
	total := routedTokens.Add(assigned)

	for expert, c := range counts {
		expertStr := strconv.Itoa(expert)
		key := layerStr + ":" + expertStr
		actual, _ := moeExpertCounts.LoadOrStore(key, &atomic.Int64{})
		count := actual.(*atomic.Int64).Add(int64(c))
		if c > 0 {
			MOEExpertSelection.WithLabelValues(layerStr, expertStr).Add(float64(c))
		}
		if total > 0 {
			MOEExpertUtilization.WithLabelValues(layerStr, expertStr).Set(float64(count) / float64(total))
		}
	}
}
