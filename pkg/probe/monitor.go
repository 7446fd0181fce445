package probe

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrykit/gantry/pkg/log"
	"github.com/gantrykit/gantry/pkg/metrics"
	"github.com/gantrykit/gantry/pkg/types"
)

// Defaults applied to zero-valued Spec fields.
const (
	DefaultInterval         = 15 * time.Second
	DefaultTimeout          = 5 * time.Second
	DefaultFailureThreshold = 3
)

// Spec declares one named probe. Name doubles as the precondition
// name tasks reference.
type Spec struct {
	Name string
	Kind Kind

	// Target is the URL for http probes and host:port for tcp probes.
	Target string

	// Command is the argv for command probes.
	Command []string

	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int

	// StartPeriod suppresses unhealthy verdicts while a slow
	// dependency warms up. Failures are still counted.
	StartPeriod time.Duration
}

func (s *Spec) normalize() {
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
}

func (s Spec) checker() (Checker, error) {
	switch s.Kind {
	case KindHTTP:
		if s.Target == "" {
			return nil, types.NewError(types.CodeInvalidArgument, "probe %s: http probe needs a target URL", s.Name)
		}
		return NewHTTPChecker(s.Target), nil
	case KindTCP:
		if s.Target == "" {
			return nil, types.NewError(types.CodeInvalidArgument, "probe %s: tcp probe needs a target address", s.Name)
		}
		return NewTCPChecker(s.Target), nil
	case KindCommand:
		if len(s.Command) == 0 {
			return nil, types.NewError(types.CodeInvalidArgument, "probe %s: command probe needs a command", s.Name)
		}
		return NewCommandChecker(s.Command), nil
	default:
		return nil, types.NewError(types.CodeInvalidArgument, "probe %s: unknown kind %q", s.Name, s.Kind)
	}
}

// Status is the cached verdict for one probe.
type Status struct {
	Healthy              bool      `json:"healthy"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheck            time.Time `json:"last_check"`
	LastResult           Result    `json:"last_result"`
	StartedAt            time.Time `json:"started_at"`
}

// Update folds a check result into the verdict. A probe stays healthy
// until threshold consecutive failures; one success restores it.
// Failures inside startPeriod are counted but never demote.
func (s *Status) Update(result Result, threshold int, startPeriod time.Duration) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if startPeriod > 0 && result.CheckedAt.Sub(s.StartedAt) < startPeriod {
		return
	}
	if s.ConsecutiveFailures >= threshold {
		s.Healthy = false
	}
}

// Monitor owns the check loops and the verdict cache.
type Monitor struct {
	specs    []Spec
	checkers map[string]Checker
	logger   zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]*Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the specs and builds a stopped monitor.
func New(specs []Spec) (*Monitor, error) {
	m := &Monitor{
		specs:    make([]Spec, 0, len(specs)),
		checkers: make(map[string]Checker, len(specs)),
		statuses: make(map[string]*Status, len(specs)),
		logger:   log.WithComponent("probe"),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, types.NewError(types.CodeInvalidArgument, "probe name must not be empty")
		}
		if _, exists := m.checkers[spec.Name]; exists {
			return nil, types.NewError(types.CodeInvalidArgument, "probe %s declared twice", spec.Name)
		}
		spec.normalize()
		checker, err := spec.checker()
		if err != nil {
			return nil, err
		}
		m.specs = append(m.specs, spec)
		m.checkers[spec.Name] = checker
		m.statuses[spec.Name] = &Status{Healthy: true}
	}
	return m, nil
}

// Start launches one check loop per probe. Each loop checks once
// immediately so the first admission pass sees a real verdict.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	now := time.Now()
	m.mu.Lock()
	for _, st := range m.statuses {
		st.StartedAt = now
	}
	m.mu.Unlock()

	for _, spec := range m.specs {
		m.wg.Add(1)
		go m.loop(ctx, spec)
	}
}

// Stop cancels in-flight checks and waits for the loops. Cached
// verdicts stay readable after Stop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, spec Spec) {
	defer m.wg.Done()

	m.check(ctx, spec)

	ticker := time.NewTicker(spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check(ctx, spec)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context, spec Spec) {
	checkCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	result := m.checkers[spec.Name].Check(checkCtx)
	if ctx.Err() != nil {
		return // shutting down, not a verdict
	}

	m.mu.Lock()
	st := m.statuses[spec.Name]
	wasHealthy := st.Healthy
	st.Update(result, spec.FailureThreshold, spec.StartPeriod)
	nowHealthy := st.Healthy
	failures := st.ConsecutiveFailures
	m.mu.Unlock()

	outcome := "healthy"
	gauge := 1.0
	if !result.Healthy {
		outcome = "unhealthy"
	}
	if !nowHealthy {
		gauge = 0
	}
	metrics.ProbeChecks.WithLabelValues(spec.Name, outcome).Inc()
	metrics.ProbeHealthy.WithLabelValues(spec.Name).Set(gauge)

	switch {
	case wasHealthy && !nowHealthy:
		m.logger.Warn().
			Str("probe", spec.Name).
			Int("consecutive_failures", failures).
			Str("message", result.Message).
			Msg("Probe went unhealthy")
	case !wasHealthy && nowHealthy:
		m.logger.Info().
			Str("probe", spec.Name).
			Msg("Probe recovered")
	default:
		m.logger.Debug().
			Str("probe", spec.Name).
			Bool("healthy", result.Healthy).
			Dur("duration", result.Duration).
			Msg("Probe checked")
	}
}

// Healthy reports the cached verdict. Unknown names are unhealthy.
func (m *Monitor) Healthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	return ok && st.Healthy
}

// Condition returns a predicate suitable for the executor registry:
// it only reads the cache, so it is safe inside the queue's
// coordination lock.
func (m *Monitor) Condition(name string) func(task *types.Task) bool {
	return func(*types.Task) bool {
		return m.Healthy(name)
	}
}

// StatusOf returns a copy of one probe's verdict.
func (m *Monitor) StatusOf(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Statuses returns a copy of every verdict, keyed by probe name.
func (m *Monitor) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, st := range m.statuses {
		out[name] = *st
	}
	return out
}

// Names returns the probe names in sorted order.
func (m *Monitor) Names() []string {
	names := make([]string, 0, len(m.specs))
	for _, spec := range m.specs {
		names = append(names, spec.Name)
	}
	sort.Strings(names)
	return names
}
