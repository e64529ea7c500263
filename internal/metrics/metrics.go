package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pillpipe_runs_total",
		Help: "Pipeline runs by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pillpipe_stage_duration_seconds",
		Help:    "Wall time per pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})

	imagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pillpipe_images_processed_total",
		Help: "Images handled per stage by outcome",
	}, []string{"stage", "outcome"}) // outcome=success|failure

	objectsConverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pillpipe_objects_converted_total",
		Help: "Bounding boxes converted to YOLO labels",
	})

	datasetImages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pillpipe_dataset_images",
		Help: "Images per split in the last produced dataset",
	}, []string{"split"})

	qualityScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pillpipe_quality_score",
		Help: "Overall quality score of the last analyzed dataset",
	})

	balanceScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pillpipe_class_balance_score",
		Help: "Class balance score of the last analyzed dataset",
	})

	watchTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pillpipe_watch_triggers_total",
		Help: "Pipeline runs triggered by the inbox watcher",
	})

	watchEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pillpipe_watch_events_dropped_total",
		Help: "Inbox events dropped by the trigger rate limiter",
	})

	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pillpipe_api_requests_total",
		Help: "Handled HTTP API requests by method, route and status",
	}, []string{"method", "path", "status"})
)

// RunFinished records a completed pipeline run.
func RunFinished(err error) {
	if err != nil {
		runsTotal.WithLabelValues("failure").Inc()
		return
	}
	runsTotal.WithLabelValues("success").Inc()
}

// ObserveStage records the wall time of one pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ImageProcessed records one handled image.
func ImageProcessed(stage, outcome string) {
	imagesProcessed.WithLabelValues(stage, outcome).Inc()
}

// ObjectsConverted records boxes written as YOLO labels.
func ObjectsConverted(n int) {
	objectsConverted.Add(float64(n))
}

// SetDatasetImages records per-split image counts of the produced dataset.
func SetDatasetImages(split string, n int) {
	datasetImages.WithLabelValues(split).Set(float64(n))
}

// SetQualityScores records the analyzer's summary scores.
func SetQualityScores(quality, balance float64) {
	qualityScore.Set(quality)
	balanceScore.Set(balance)
}

// WatchTriggered records a watcher-initiated run.
func WatchTriggered() {
	watchTriggers.Inc()
}

// WatchEventDropped records an inbox event suppressed by the rate limiter.
func WatchEventDropped() {
	watchEventsDropped.Inc()
}

// APIRequest records one handled HTTP request. path should be the route
// pattern, not the raw URL, to keep label cardinality bounded.
func APIRequest(method, path string, status int) {
	apiRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
