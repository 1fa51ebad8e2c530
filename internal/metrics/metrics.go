package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "monitor"

var (
	// Poller.
	BlocksPolled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_polled_total",
		Help:      "Number of blocks scanned for Transfer logs.",
	})
	PollCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "poll_cursor_block",
		Help:      "Last block number the poller has fully processed.",
	})
	HeadBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "head_block",
		Help:      "Latest chain head observed.",
	})
	FinalizedBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "finalized_block",
		Help:      "Highest block considered final.",
	})
	ReorgsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reorgs_detected_total",
		Help:      "Chain reorganisations detected by the poller.",
	})
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Wall time of one poll cycle including log fetch.",
		Buckets:   prometheus.DefBuckets,
	})

	// RPC.
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_calls_total",
		Help:      "JSON-RPC calls by method and outcome.",
	}, []string{"method", "status"})
	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter.",
	})

	// Decoder.
	TransfersDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfers_decoded_total",
		Help:      "Logs successfully decoded into transfers.",
	})
	DecodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_failures_total",
		Help:      "Logs skipped because decoding failed.",
	}, []string{"reason"})

	// Dedup and window store.
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Admission outcomes for observed transfers.",
	}, []string{"outcome"})
	DedupKeysTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dedup_keys_tracked",
		Help:      "Identifiers currently held by the dedup store.",
	})
	WindowEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "window_entries",
		Help:      "Total entries across all per-subject windows.",
	})

	// Scorer.
	ScoresComputed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scores_computed_total",
		Help:      "Transfers scored.",
	})
	ScoreDistribution = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "score_distribution",
		Help:      "Distribution of final anomaly scores.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
	ModelUnavailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_unavailable",
		Help:      "1 when the outlier model failed to load and scoring runs rules-only.",
	})

	// Alerts.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_raised_total",
		Help:      "Alerts produced by evaluation, before dedup.",
	}, []string{"alert_type", "severity"})
	AlertsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_deduplicated_total",
		Help:      "Alerts dropped because their dedup key was already dispatched.",
	})
	AlertsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_replayed_total",
		Help:      "Persisted alerts re-dispatched on startup because a channel never confirmed.",
	})
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Channel delivery attempts by outcome.",
	}, []string{"channel", "outcome"})
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_duration_seconds",
		Help:      "Latency of one channel delivery attempt.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})

	// Pipeline.
	ChannelDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_depth",
		Help:      "Buffered items in each inter-stage channel.",
	}, []string{"stage"})
	PipelineRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_restarts_total",
		Help:      "Pipeline restarts after a transient stage failure.",
	})
)
