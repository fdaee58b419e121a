package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var draftsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "post_bot_drafts_created",
	Help: "Number of drafts created, by kind",
}, []string{"kind"})

var generationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "post_bot_generation_failures",
	Help: "Number of generator calls that produced no draft",
}, []string{"kind"})

var checkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "post_bot_safety_check_failures",
	Help: "Number of failed safety checks, by check",
}, []string{"check"})

var dispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "post_bot_dispatch_outcomes",
	Help: "Number of dispatch outcomes, by status",
}, []string{"status", "simulated"})

var dispatchBackoff = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "post_bot_dispatch_backoff_sec",
	Help:    "Total backoff time spent per dispatch",
	Buckets: prometheus.ExponentialBuckets(1, 2, 10),
})

var reviewResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "post_bot_review_resolutions",
	Help: "Number of human review decisions",
}, []string{"decision"})

var pipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "post_bot_pipeline_errors",
	Help: "Number of per-draft processing errors",
}, []string{"stage"})
