// Package platform runs the long-lived pipeline workers under a restarting
// supervisor.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"drlhp/internal/logging"
	"drlhp/internal/metrics"
)

type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts bounds restarts per worker; zero restarts forever.
	MaxRestarts int
	Strategy    Strategy
}

type Strategy string

const (
	StrategyOneForOne Strategy = "one_for_one"
	StrategyOneForAll Strategy = "one_for_all"
)

type Restart string

const (
	// RestartPermanent restarts a worker however it returns.
	RestartPermanent Restart = "permanent"
	// RestartTransient restarts a worker only when it returns an error.
	RestartTransient Restart = "transient"
	RestartTemporary Restart = "temporary"
)

type WorkerSpec struct {
	Name    string
	Restart Restart
	Run     func(ctx context.Context) error
}

type WorkerStatus struct {
	Name            string  `json:"name"`
	Restart         Restart `json:"restart"`
	RestartCount    int     `json:"restart_count"`
	LastError       string  `json:"last_error,omitempty"`
	PermanentFailed bool    `json:"permanent_failed"`
}

type Hooks struct {
	OnRestart          func(name string, err error, restartCount int)
	OnPermanentFailure func(name string, err error, restartCount int)
}

func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		MaxRestarts:    5,
		Strategy:       StrategyOneForOne,
	}
}

func normalizePolicy(policy Policy) Policy {
	def := DefaultPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	switch policy.Strategy {
	case StrategyOneForOne, StrategyOneForAll:
	default:
		policy.Strategy = def.Strategy
	}
	return policy
}

func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case "", StrategyOneForOne:
		return StrategyOneForOne, nil
	case StrategyOneForAll:
		return StrategyOneForAll, nil
	default:
		return "", fmt.Errorf("unknown supervisor strategy: %s", name)
	}
}

// Supervisor owns a set of named workers. Every worker context derives from
// the supervisor's parent context; cancelling it stops all workers abruptly.
type Supervisor struct {
	ctx     context.Context
	policy  Policy
	hooks   Hooks
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	workers  map[string]*worker
	finished map[string]WorkerStatus

	failOnce sync.Once
	failed   chan struct{}
	failure  error
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
	spec   WorkerSpec

	restartCount    int
	lastErr         error
	permanentFailed bool
}

func New(ctx context.Context, policy Policy, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return NewWithHooks(ctx, policy, Hooks{}, logger, m)
}

func NewWithHooks(ctx context.Context, policy Policy, hooks Hooks, logger *slog.Logger, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		ctx:      ctx,
		policy:   normalizePolicy(policy),
		hooks:    hooks,
		logger:   logging.Component(logger, "supervisor"),
		metrics:  m,
		workers:  make(map[string]*worker),
		finished: make(map[string]WorkerStatus),
		failed:   make(chan struct{}),
	}
}

func (s *Supervisor) Start(spec WorkerSpec) error {
	if spec.Name == "" {
		return errors.New("worker name is required")
	}
	if spec.Run == nil {
		return errors.New("worker runner is required")
	}
	switch spec.Restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	default:
		spec.Restart = RestartPermanent
	}

	s.mu.Lock()
	if _, exists := s.workers[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("worker already running: %s", spec.Name)
	}
	delete(s.finished, spec.Name)
	ctx, cancel := context.WithCancel(s.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{}), spec: spec}
	s.workers[spec.Name] = w
	s.mu.Unlock()

	s.logger.Debug("worker started", slog.String("worker", spec.Name), slog.String("restart", string(spec.Restart)))
	go s.runWorker(w, ctx)
	return nil
}

func (s *Supervisor) runWorker(w *worker, ctx context.Context) {
	name := w.spec.Name
	defer func() {
		s.mu.Lock()
		if current, ok := s.workers[name]; ok && current == w {
			if w.permanentFailed || w.restartCount > 0 || w.lastErr != nil {
				s.finished[name] = statusOf(w)
			}
			delete(s.workers, name)
		}
		s.mu.Unlock()
		close(w.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := w.spec.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if !shouldRestart(w.spec.Restart, err) {
			if err != nil {
				s.mu.Lock()
				w.lastErr = err
				s.mu.Unlock()
				s.logger.Warn("worker stopped with error", slog.String("worker", name), slog.Any("error", err))
			}
			return
		}

		s.mu.Lock()
		w.lastErr = err
		restarts := w.restartCount
		s.mu.Unlock()
		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			s.mu.Lock()
			w.permanentFailed = true
			s.mu.Unlock()
			s.logger.Error("worker failed permanently",
				slog.String("worker", name),
				slog.Int("restarts", restarts),
				slog.Any("error", err),
			)
			if s.hooks.OnPermanentFailure != nil {
				go s.hooks.OnPermanentFailure(name, err, restarts)
			}
			s.fail(fmt.Errorf("worker %s: %w", name, errOrExit(err)))
			if s.policy.Strategy == StrategyOneForAll {
				s.stopAllExcept(name)
			}
			return
		}

		restarts++
		s.mu.Lock()
		w.restartCount = restarts
		s.mu.Unlock()
		if s.policy.Strategy == StrategyOneForAll {
			s.restartSiblings(name, err)
		}
		s.notifyRestart(name, err, restarts)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*s.policy.BackoffFactor), s.policy.MaxBackoff)
	}
}

func (s *Supervisor) notifyRestart(name string, err error, restarts int) {
	s.logger.Warn("restarting worker",
		slog.String("worker", name),
		slog.Int("restarts", restarts),
		slog.Any("error", err),
	)
	s.metrics.WorkerRestart(name)
	if s.hooks.OnRestart != nil {
		s.hooks.OnRestart(name, err, restarts)
	}
}

func (s *Supervisor) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.failure = err
		s.mu.Unlock()
		close(s.failed)
	})
}

type siblingRestart struct {
	previous *worker
	spec     WorkerSpec
	restarts int
}

// restartSiblings cancels every other worker, waits for it to exit, and
// starts it again with the triggering error recorded.
func (s *Supervisor) restartSiblings(excluded string, triggeringErr error) {
	s.mu.Lock()
	siblings := make([]siblingRestart, 0, len(s.workers))
	for name, w := range s.workers {
		if name == excluded {
			continue
		}
		siblings = append(siblings, siblingRestart{previous: w, spec: w.spec, restarts: w.restartCount})
		w.cancel()
	}
	s.mu.Unlock()

	for _, sibling := range siblings {
		<-sibling.previous.done
	}

	restartErr := errOrExit(triggeringErr)
	for _, sibling := range siblings {
		if !shouldRestart(sibling.spec.Restart, restartErr) {
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		next := &worker{
			cancel:       cancel,
			done:         make(chan struct{}),
			spec:         sibling.spec,
			restartCount: sibling.restarts + 1,
			lastErr:      restartErr,
		}
		s.mu.Lock()
		current, exists := s.workers[sibling.spec.Name]
		if exists && current != sibling.previous {
			s.mu.Unlock()
			cancel()
			continue
		}
		s.workers[sibling.spec.Name] = next
		s.mu.Unlock()
		s.notifyRestart(sibling.spec.Name, restartErr, next.restartCount)
		go s.runWorker(next, ctx)
	}
}

func errOrExit(err error) error {
	if err == nil {
		return errors.New("worker exited")
	}
	return err
}

func shouldRestart(policy Restart, err error) bool {
	switch policy {
	case RestartTransient:
		return err != nil
	case RestartTemporary:
		return false
	default:
		return true
	}
}

func (s *Supervisor) stopAllExcept(excluded string) {
	s.mu.Lock()
	entries := make([]*worker, 0, len(s.workers))
	for name, w := range s.workers {
		if name != excluded {
			entries = append(entries, w)
		}
	}
	s.mu.Unlock()

	for _, w := range entries {
		w.cancel()
	}
	for _, w := range entries {
		<-w.done
	}
}

func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	w, ok := s.workers[name]
	delete(s.finished, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
}

func (s *Supervisor) StopAll() {
	s.stopAllExcept("")
}

// Wait blocks until every worker has exited or one has failed permanently.
// After a permanent failure the remaining workers are stopped and the
// failure is returned.
func (s *Supervisor) Wait() error {
	for {
		s.mu.Lock()
		var pending *worker
		for _, w := range s.workers {
			pending = w
			break
		}
		s.mu.Unlock()

		if pending == nil {
			return s.Err()
		}
		select {
		case <-pending.done:
		case <-s.failed:
			s.StopAll()
			return s.Err()
		}
	}
}

func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

func (s *Supervisor) Workers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(s.workers)+len(s.finished))
	for _, w := range s.workers {
		out = append(out, statusOf(w))
	}
	for name, status := range s.finished {
		if _, active := s.workers[name]; !active {
			out = append(out, status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func statusOf(w *worker) WorkerStatus {
	status := WorkerStatus{
		Name:            w.spec.Name,
		Restart:         w.spec.Restart,
		RestartCount:    w.restartCount,
		PermanentFailed: w.permanentFailed,
	}
	if w.lastErr != nil {
		status.LastError = w.lastErr.Error()
	}
	return status
}
