package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one immutable audit record written on every task mutation.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Operation string         `json:"operation"` // e.g. "task.updated", "remediation.revert_completion"
	TaskID    string         `json:"task_id,omitempty"`
	Changes   map[string]any `json:"changes,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// IsError reports whether the event records a failure, used by the quality
// scoring factor.
func (e Event) IsError() bool {
	return strings.Contains(e.Operation, "error")
}

// EventFilter specifies criteria for reading events.
type EventFilter struct {
	Since     *time.Time
	Until     *time.Time
	Operation string
	TaskID    string
}

// EventLog defines the interface for writing and reading mutation events.
type EventLog interface {
	Append(operation, taskID string, changes map[string]any, source string) (Event, error)
	Read(filter EventFilter) ([]Event, error)
	Close() error
}

// jsonlEventLog implements EventLog using an append-only JSONL file.
type jsonlEventLog struct {
	path string
	file *os.File
	mu   sync.Mutex
	now  func() time.Time
}

// NewJSONLEventLog creates an EventLog backed by a JSONL file at the given path.
func NewJSONLEventLog(path string) (EventLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	return &jsonlEventLog{
		path: path,
		file: f,
		now:  time.Now,
	}, nil
}

// Append stamps and writes a JSON-encoded event followed by a newline.
func (l *jsonlEventLog) Append(operation, taskID string, changes map[string]any, source string) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event := Event{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		Operation: operation,
		TaskID:    taskID,
		Changes:   changes,
		Source:    source,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return Event{}, fmt.Errorf("marshalling event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return Event{}, fmt.Errorf("writing event: %w", err)
	}
	return event, nil
}

// Read opens the log file for reading, scans line by line, decodes each
// event, and returns those matching the given filter in append order.
func (l *jsonlEventLog) Read(filter EventFilter) ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue // skip malformed lines
		}

		if matchesEventFilter(event, filter) {
			events = append(events, event)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning event log: %w", err)
	}

	return events, nil
}

// Close closes the underlying log file.
func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

// matchesEventFilter checks whether an event satisfies all filter criteria.
func matchesEventFilter(event Event, filter EventFilter) bool {
	if filter.Since != nil && event.Timestamp.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && event.Timestamp.After(*filter.Until) {
		return false
	}
	if filter.Operation != "" && event.Operation != filter.Operation {
		return false
	}
	if filter.TaskID != "" && event.TaskID != filter.TaskID {
		return false
	}
	return true
}
