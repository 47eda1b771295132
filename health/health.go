// Package health runs named checks against a bus and its broker and serves
// the combined result over HTTP.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/glimte/servicebus/internal/codec"
)

// Status is the health of a check or of the whole process
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) worse(other Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	return rank[other] > rank[s]
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Report is the combined outcome of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker is a named health check
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Registry holds the checks of a process
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]any
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]any),
	}
}

// Register adds or replaces a check by name
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range checkers {
		r.checkers[c.Name()] = c
	}
}

// Unregister removes a check
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every check concurrently. Checks still running when ctx ends
// are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			results <- c.Check(ctx)
		}(c)
	}

	report := Report{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}

collect:
	for range checkers {
		select {
		case res := <-results:
			report.Checks[res.Name] = res
			if report.Status.worse(res.Status) {
				report.Status = res.Status
			}
		case <-ctx.Done():
			for _, c := range checkers {
				if _, ok := report.Checks[c.Name()]; ok {
					continue
				}
				report.Checks[c.Name()] = CheckResult{
					Name:      c.Name(),
					Status:    StatusUnhealthy,
					Message:   "check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				}
			}
			report.Status = StatusUnhealthy
			break collect
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Handler serves the registry report as JSON. Unhealthy reports get 503.
func Handler(registry *Registry, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		report := registry.Check(ctx)

		body, err := codec.Marshal(report)
		if err != nil {
			http.Error(w, "failed to encode health report", http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		if report.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", codec.ContentType)
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
