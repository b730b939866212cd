package health

import (
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/frametiming/internal/logging"
)

var log = logging.L("health")

// Status represents the health of one display output.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case Healthy, Degraded, Unhealthy, Unknown:
		return true
	}
	return false
}

// Check stores the latest result for a named output.
type Check struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Failures  int       `json:"failures"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker keeps the health of every output the engine drives. Mode-set
// failures degrade an output; a later successful strategy clears it.
type Tracker struct {
	mu     sync.RWMutex
	checks map[string]Check
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		checks: make(map[string]Check),
		now:    time.Now,
	}
}

// Update records the status of an output. Consecutive non-healthy updates
// are counted in Failures.
func (t *Tracker) Update(name string, status Status, message string) {
	if !status.Valid() {
		status = Unknown
	}

	t.mu.Lock()
	prev := t.checks[name]
	failures := 0
	if status != Healthy {
		failures = prev.Failures + 1
	}
	t.checks[name] = Check{
		Name:      name,
		Status:    status,
		Message:   message,
		Failures:  failures,
		UpdatedAt: t.now(),
	}
	t.mu.Unlock()

	if status != Healthy {
		log.Warn("output health degraded", "output", name, "status", string(status), "message", message, "failures", failures)
	} else if prev.Status != "" && prev.Status != Healthy {
		log.Info("output health recovered", "output", name)
	}
}

// Remove forgets an output, used when a monitor is disabled.
func (t *Tracker) Remove(name string) {
	t.mu.Lock()
	delete(t.checks, name)
	t.mu.Unlock()
}

// Get returns the check for a named output.
func (t *Tracker) Get(name string) (Check, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.checks[name]
	return c, ok
}

// Overall returns the worst status across all outputs, or Unknown when
// nothing has reported yet.
func (t *Tracker) Overall() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.checks) == 0 {
		return Unknown
	}
	worst := Healthy
	for _, c := range t.checks {
		if worse(c.Status, worst) {
			worst = c.Status
		}
	}
	return worst
}

// All returns every check sorted by output name.
func (t *Tracker) All() []Check {
	t.mu.RLock()
	result := make([]Check, 0, len(t.checks))
	for _, c := range t.checks {
		result = append(result, c)
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Summary returns a JSON-friendly map for the /healthz endpoint.
func (t *Tracker) Summary() map[string]any {
	overall := t.Overall()
	checks := t.All()

	outputs := make(map[string]string, len(checks))
	for _, c := range checks {
		outputs[c.Name] = string(c.Status)
	}

	return map[string]any{
		"status":  string(overall),
		"outputs": outputs,
	}
}

func worse(a, b Status) bool {
	return statusRank(a) > statusRank(b)
}

func statusRank(s Status) int {
	switch s {
	case Healthy:
		return 0
	case Degraded:
		return 1
	case Unhealthy:
		return 2
	default:
		return 3
	}
}
