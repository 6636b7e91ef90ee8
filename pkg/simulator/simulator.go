package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/anvil/pkg/cluster"
	"github.com/cuemby/anvil/pkg/events"
	"github.com/cuemby/anvil/pkg/invariants"
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/types"
)

var (
	// ErrMaxTicks is returned when a run hits its tick limit before its goal
	ErrMaxTicks = errors.New("tick limit reached")
	// ErrQuiescent is returned when no action is enabled before the goal holds
	ErrQuiescent = errors.New("no action enabled")
	// ErrAlreadyRunning is returned by Start on a running simulator
	ErrAlreadyRunning = errors.New("simulator already running")
)

// Config tunes a simulation run
type Config struct {
	Seed int64
	// MaxTicks bounds RunUntil and RunUntilStable
	MaxTicks uint64
	// StableTicks is how long every CR must keep matching once faults are
	// off before the run counts as stable
	StableTicks uint64
	// FairnessBound forces a fair action enabled this many ticks
	FairnessBound uint64
	// FaultRate is the probability of picking a fault when one is enabled
	FaultRate float64
	// CheckInvariants runs the invariant checker after every tick
	CheckInvariants bool
	// Interval paces the background loop started by Start
	Interval time.Duration
	// OnTick is called after every applied action
	OnTick func(tick uint64, a cluster.Action)
	// Broker receives invariant violations when set
	Broker *events.Broker
}

func (c *Config) setDefaults() {
	if c.MaxTicks == 0 {
		c.MaxTicks = 10000
	}
	if c.StableTicks == 0 {
		c.StableTicks = 200
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Millisecond
	}
}

// Result summarizes a run
type Result struct {
	RunID string
	// Ticks is the cluster tick at the end of the run
	Ticks uint64
	// Applied counts the actions this simulator applied
	Applied uint64
	// Stable reports whether the liveness goal held at the end
	Stable bool
	// Mismatched lists the CRs whose desired state does not hold
	Mismatched []types.ObjectRef
}

// Simulator drives a cluster one chosen action per tick, checks invariants
// after every tick and tracks the liveness goal: once faults are off every
// CR's desired state eventually holds and keeps holding.
type Simulator struct {
	mu      sync.Mutex
	cluster *cluster.Cluster
	chooser *cluster.Chooser
	checker *invariants.Checker
	cfg     Config
	runID   string

	applied    uint64
	stableFor  uint64
	mismatched []types.ObjectRef

	stopCh  chan struct{}
	doneCh  chan struct{}
	lastErr error
	logger  zerolog.Logger
}

// New creates a simulator for c
func New(c *cluster.Cluster, cfg Config) (*Simulator, error) {
	cfg.setDefaults()
	s := &Simulator{
		cluster: c,
		chooser: cluster.NewChooser(cfg.Seed, cfg.FairnessBound, cfg.FaultRate),
		cfg:     cfg,
		runID:   uuid.New().String(),
	}
	s.logger = log.WithComponent("simulator").With().Str("run_id", s.runID).Logger()

	if cfg.CheckInvariants {
		checker, err := invariants.NewChecker()
		if err != nil {
			return nil, err
		}
		if err := checker.Check(c); err != nil {
			return nil, fmt.Errorf("initial state: %w", err)
		}
		s.checker = checker
	}
	s.observe()
	return s, nil
}

// Cluster returns the simulated cluster
func (s *Simulator) Cluster() *cluster.Cluster { return s.cluster }

// RunID identifies this simulation in logs and events
func (s *Simulator) RunID() string { return s.runID }

// Tick applies one chosen action and checks invariants
func (s *Simulator) Tick() (cluster.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick()
}

func (s *Simulator) tick() (cluster.Action, error) {
	a, err := s.cluster.Step(s.chooser)
	if errors.Is(err, cluster.ErrNothingEnabled) {
		return a, ErrQuiescent
	}
	if err != nil {
		return a, err
	}
	s.applied++

	if s.checker != nil {
		if err := s.checker.Check(s.cluster); err != nil {
			s.publishViolations(err)
			return a, fmt.Errorf("after %s: %w", a, err)
		}
	}
	s.observe()

	if s.cfg.OnTick != nil {
		s.cfg.OnTick(s.cluster.Tick(), a)
	}
	return a, nil
}

func (s *Simulator) publishViolations(err error) {
	if s.cfg.Broker == nil {
		return
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return
	}
	for _, e := range merr.Errors {
		var v *invariants.Violation
		if !errors.As(e, &v) {
			continue
		}
		s.cfg.Broker.Publish(events.NewEvent(events.EventInvariantViolated, v.Tick, v.Error(), map[string]string{
			"invariant": v.ID,
			"severity":  string(v.Severity),
			"run_id":    s.runID,
		}))
	}
}

// observe updates the liveness counter after a tick
func (s *Simulator) observe() {
	s.mismatched = Mismatched(s.cluster)
	if s.cluster.FaultsActive() || len(s.mismatched) > 0 {
		s.stableFor = 0
		return
	}
	s.stableFor++
}

// Stable reports whether faults are off and every CR has matched its
// desired state for the configured number of ticks
func (s *Simulator) Stable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stable()
}

func (s *Simulator) stable() bool {
	return s.stableFor >= s.cfg.StableTicks
}

// Run applies up to n actions. It stops early when nothing is enabled.
func (s *Simulator) Run(ctx context.Context, n uint64) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return s.result(), err
		}
		if _, err := s.tick(); err != nil {
			if errors.Is(err, ErrQuiescent) {
				break
			}
			return s.result(), err
		}
	}
	return s.result(), nil
}

// RunUntil ticks until done holds for the cluster, up to MaxTicks
func (s *Simulator) RunUntil(ctx context.Context, done func(*cluster.Cluster) bool) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runUntil(ctx, func() bool { return done(s.cluster) })
}

// RunUntilStable ticks until the liveness goal holds. Hitting MaxTicks
// first is a liveness failure and returns ErrMaxTicks with the CRs that
// still mismatch.
func (s *Simulator) RunUntilStable(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the cluster may have been edited since the last tick
	s.mismatched = Mismatched(s.cluster)
	if s.cluster.FaultsActive() || len(s.mismatched) > 0 {
		s.stableFor = 0
	}

	res, err := s.runUntil(ctx, s.stable)
	if errors.Is(err, ErrMaxTicks) || errors.Is(err, ErrQuiescent) {
		s.logger.Warn().
			Uint64("tick", res.Ticks).
			Int("mismatched", len(res.Mismatched)).
			Bool("faults_active", s.cluster.FaultsActive()).
			Msg("liveness goal not reached")
	}
	return res, err
}

func (s *Simulator) runUntil(ctx context.Context, done func() bool) (*Result, error) {
	start := s.applied
	for !done() {
		if s.applied-start >= s.cfg.MaxTicks {
			return s.result(), fmt.Errorf("after %d ticks: %w", s.applied-start, ErrMaxTicks)
		}
		if err := ctx.Err(); err != nil {
			return s.result(), err
		}
		if _, err := s.tick(); err != nil {
			return s.result(), err
		}
	}
	return s.result(), nil
}

func (s *Simulator) result() *Result {
	return &Result{
		RunID:      s.runID,
		Ticks:      s.cluster.Tick(),
		Applied:    s.applied,
		Stable:     s.stable(),
		Mismatched: append([]types.ObjectRef(nil), s.mismatched...),
	}
}

// Start runs the simulation in the background, one tick per Interval,
// until Stop, an error or quiescence
func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.lastErr = nil
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop halts the background loop and returns the error that ended it, if
// any
func (s *Simulator) Stop() error {
	s.mu.Lock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()
	if stopCh == nil {
		return nil
	}

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCh, s.doneCh = nil, nil
	return s.lastErr
}

// Done is closed when the background loop exits
func (s *Simulator) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneCh
}

func (s *Simulator) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			_, err := s.tick()
			if err != nil && !errors.Is(err, ErrQuiescent) {
				s.lastErr = err
				s.logger.Error().Err(err).Msg("simulation stopped")
			}
			s.mu.Unlock()
			if err != nil {
				return
			}
		case <-stopCh:
			return
		}
	}
}

// Mismatched returns the CRs in etcd whose controller does not see its
// desired state in the cluster
func Mismatched(c *cluster.Cluster) []types.ObjectRef {
	var out []types.ObjectRef
	store := c.Etcd()
	for _, ctrl := range c.Controllers() {
		rec := ctrl.Reconciler()
		for _, cr := range store.List(rec.Kind(), "") {
			if !rec.CurrentStateMatches(cr, store) {
				out = append(out, cr.Ref())
			}
		}
	}
	return out
}
