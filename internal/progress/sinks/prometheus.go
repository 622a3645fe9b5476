package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/driftline/driftline/internal/progress"
)

// PrometheusSink exports crawl progress metrics. It owns all collectors for
// task transitions, chain writes and scheduler ticks.
type PrometheusSink struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	chainWrites *prometheus.CounterVec

	seriesTransitions *prometheus.CounterVec

	tickProduced prometheus.Histogram
	tickDuration prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_tasks_total",
			Help: "Task transitions partitioned by class and outcome.",
		}, []string{"class", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "driftline_task_duration_seconds",
			Help:    "Step execution wall time partitioned by class and outcome.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"class", "outcome"}),
		chainWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_chain_writes_total",
			Help: "History engine stores partitioned by result (version or observation).",
		}, []string{"result"}),
		seriesTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftline_series_transitions_total",
			Help: "Series lifecycle transitions partitioned by transition.",
		}, []string{"transition"}),
		tickProduced: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftline_tick_tasks_produced",
			Help:    "Tasks produced per scheduler tick.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftline_tick_duration_seconds",
			Help:    "Scheduler tick wall time.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.25, 1, 5},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksTotal,
		s.taskDuration,
		s.chainWrites,
		s.seriesTransitions,
		s.tickProduced,
		s.tickDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent
// use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Type {
	case progress.TypeTaskQueued:
		s.tasksTotal.WithLabelValues(string(evt.Class), "queued").Inc()
	case progress.TypeTaskSucceeded:
		s.observeTask(evt, "succeeded")
	case progress.TypeTaskTransient:
		s.observeTask(evt, "transient")
	case progress.TypeTaskPermanent:
		s.observeTask(evt, "permanent")
	case progress.TypeTaskRecycled:
		s.tasksTotal.WithLabelValues(string(evt.Class), "recycled").Inc()
	case progress.TypeChainVersion:
		s.chainWrites.WithLabelValues("version").Inc()
	case progress.TypeChainObservation:
		s.chainWrites.WithLabelValues("observation").Inc()
	case progress.TypeSeriesStarted:
		s.seriesTransitions.WithLabelValues("started").Inc()
	case progress.TypeSeriesComplete:
		s.seriesTransitions.WithLabelValues("complete").Inc()
	case progress.TypeSeriesCancelled:
		s.seriesTransitions.WithLabelValues("cancelled").Inc()
	case progress.TypeSchedulerTick:
		s.tickProduced.Observe(float64(evt.Produced))
		if evt.Dur > 0 {
			s.tickDuration.Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) observeTask(evt progress.Event, outcome string) {
	s.tasksTotal.WithLabelValues(string(evt.Class), outcome).Inc()
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(string(evt.Class), outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
