package observability

import (
	"fmt"
	"time"
)

// ActivityMetrics holds aggregates derived from the mutation event log.
type ActivityMetrics struct {
	EventCount      int            `json:"event_count"`
	EventsByTask    map[string]int `json:"events_by_task"`
	ErrorsByTask    map[string]int `json:"errors_by_task"`
	TasksAdded      int            `json:"tasks_added"`
	TasksUpdated    int            `json:"tasks_updated"`
	Remediations    int            `json:"remediations"`
	DepsResolutions int            `json:"deps_resolutions"`
	OldestEvent     *time.Time     `json:"oldest_event,omitempty"`
	NewestEvent     *time.Time     `json:"newest_event,omitempty"`
}

// MetricsCalculator derives activity metrics from the event log.
type MetricsCalculator interface {
	Calculate(since time.Time) (*ActivityMetrics, error)
}

type metricsCalculator struct {
	eventLog EventLog
}

// NewMetricsCalculator creates a MetricsCalculator that reads from the given EventLog.
func NewMetricsCalculator(eventLog EventLog) MetricsCalculator {
	return &metricsCalculator{eventLog: eventLog}
}

// Calculate reads all events since the given time and aggregates them.
func (mc *metricsCalculator) Calculate(since time.Time) (*ActivityMetrics, error) {
	events, err := mc.eventLog.Read(EventFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("reading events for metrics: %w", err)
	}

	m := &ActivityMetrics{
		EventsByTask: make(map[string]int),
		ErrorsByTask: make(map[string]int),
	}
	m.EventCount = len(events)

	for i, event := range events {
		if i == 0 {
			t := event.Timestamp
			m.OldestEvent = &t
		}
		t := event.Timestamp
		m.NewestEvent = &t

		if event.TaskID != "" {
			m.EventsByTask[event.TaskID]++
			if event.IsError() {
				m.ErrorsByTask[event.TaskID]++
			}
		}

		switch event.Operation {
		case "task.added":
			m.TasksAdded++
		case "task.updated":
			m.TasksUpdated++
		case "dependencies.resolved":
			m.DepsResolutions++
		}
		if len(event.Operation) > 12 && event.Operation[:12] == "remediation." {
			m.Remediations++
		}
	}

	return m, nil
}
