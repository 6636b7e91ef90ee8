package reconciler

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/metrics"
	"github.com/cuemby/anvil/pkg/network"
	"github.com/cuemby/anvil/pkg/storage"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/client-go/util/workqueue"
)

var (
	// ErrNotOngoing is returned when stepping a key with no ongoing pass
	ErrNotOngoing = errors.New("no ongoing reconcile")
	// ErrStaleResponse is returned when a response does not answer the
	// pending request. The caller consumes and ignores it.
	ErrStaleResponse = errors.New("stale response")
	// ErrAwaitingResponse is returned when stepping without the response
	// the pending request requires
	ErrAwaitingResponse = errors.New("awaiting response")
	// ErrCrashed is returned by every operation of a crashed controller
	ErrCrashed = errors.New("controller crashed")
	// ErrNotScheduled is returned when starting a key that cannot start
	ErrNotScheduled = errors.New("key not startable")
)

// Config configures a controller host
type Config struct {
	ID string
	// RequeueOnDone schedules a new pass as soon as one finishes Done
	RequeueOnDone bool
	// TickDuration converts back-off durations into ticks
	TickDuration time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Store        storage.Store
}

func (c *Config) setDefaults() {
	if c.TickDuration <= 0 {
		c.TickDuration = 10 * time.Millisecond
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 10 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Second
	}
	if c.Store == nil {
		c.Store = storage.NewMemoryStore()
	}
}

// Scheduled is a key waiting for its next pass
type Scheduled struct {
	Snapshot  *types.Object
	NotBefore uint64
}

// Ongoing is a pass in progress. Snapshot is the triggering CR and never
// changes during the pass.
type Ongoing struct {
	Snapshot  *types.Object
	State     LocalState
	Pending   *types.Message
	StartedAt uint64
}

// Outcome is what a step did
type Outcome string

const (
	OutcomeContinue Outcome = "continue"
	OutcomeRetried  Outcome = "retried"
	OutcomeDone     Outcome = "done"
	OutcomeError    Outcome = "error"
	OutcomeTimeout  Outcome = "timeout"
)

// StepResult reports the effect of Step or Timeout
type StepResult struct {
	Outcome  Outcome
	Step     Step
	Sent     *types.Message
	Requeued bool
}

// Controller hosts one reconciler. It holds the scheduled set and the
// ongoing map and drives passes one step at a time. Controller is not safe
// for concurrent use; the cluster serializes every call.
type Controller struct {
	cfg       Config
	rec       Reconciler
	alloc     *types.Allocator
	net       *network.Network
	etcd      Reader
	scheduled map[types.ObjectRef]*Scheduled
	ongoing   map[types.ObjectRef]*Ongoing
	limiter   workqueue.TypedRateLimiter[types.ObjectRef]
	crashed   bool
	logger    zerolog.Logger
}

// NewController creates a controller host for rec. Requests are sent on net
// with ids drawn from alloc; etcd is read to refresh requeued snapshots.
func NewController(cfg Config, rec Reconciler, alloc *types.Allocator, net *network.Network, etcd Reader) *Controller {
	cfg.setDefaults()
	return &Controller{
		cfg:       cfg,
		rec:       rec,
		alloc:     alloc,
		net:       net,
		etcd:      etcd,
		scheduled: make(map[types.ObjectRef]*Scheduled),
		ongoing:   make(map[types.ObjectRef]*Ongoing),
		limiter:   workqueue.NewTypedItemExponentialFailureRateLimiter[types.ObjectRef](cfg.BaseDelay, cfg.MaxDelay),
		logger:    log.WithControllerID(cfg.ID),
	}
}

// ID returns the controller id
func (c *Controller) ID() string { return c.cfg.ID }

// Reconciler returns the hosted reconciler
func (c *Controller) Reconciler() Reconciler { return c.rec }

// Crashed reports whether the controller is down
func (c *Controller) Crashed() bool { return c.crashed }

// Host returns the message endpoint of the pass for key
func (c *Controller) Host(key types.ObjectRef) types.HostID {
	return types.ControllerHost(c.cfg.ID, key)
}

// ScheduledEntry returns the scheduled entry of key
func (c *Controller) ScheduledEntry(key types.ObjectRef) (*Scheduled, bool) {
	s, ok := c.scheduled[key]
	return s, ok
}

// OngoingEntry returns the ongoing pass of key
func (c *Controller) OngoingEntry(key types.ObjectRef) (*Ongoing, bool) {
	o, ok := c.ongoing[key]
	return o, ok
}

// ScheduledKeys returns the scheduled keys in order
func (c *Controller) ScheduledKeys() []types.ObjectRef {
	return sortedKeys(c.scheduled)
}

// OngoingKeys returns the ongoing keys in order
func (c *Controller) OngoingKeys() []types.ObjectRef {
	return sortedKeys(c.ongoing)
}

func sortedKeys[V any](m map[types.ObjectRef]V) []types.ObjectRef {
	keys := make([]types.ObjectRef, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// CanSchedule reports whether Schedule(key) would add an entry
func (c *Controller) CanSchedule(key types.ObjectRef) bool {
	if c.crashed || key.Kind != c.rec.Kind() {
		return false
	}
	_, scheduled := c.scheduled[key]
	_, ongoing := c.ongoing[key]
	return !scheduled && !ongoing
}

// Schedule places cr's key in the scheduled set unless a pass is ongoing.
// An existing entry is refreshed to cr so the snapshot always matches etcd.
// It reports whether a new entry was added.
func (c *Controller) Schedule(cr *types.Object, now uint64) (bool, error) {
	if c.crashed {
		return false, ErrCrashed
	}
	key := cr.Ref()
	if key.Kind != c.rec.Kind() {
		return false, fmt.Errorf("controller %s cannot schedule %s", c.cfg.ID, key)
	}
	if _, ongoing := c.ongoing[key]; ongoing {
		return false, nil
	}

	entry, exists := c.scheduled[key]
	if !exists {
		entry = &Scheduled{NotBefore: now}
	}
	entry.Snapshot = cr.DeepCopy()

	if err := c.cfg.Store.PutScheduled(c.cfg.ID, c.scheduledRecord(key, entry, now)); err != nil {
		return false, fmt.Errorf("failed to persist schedule of %s: %w", key, err)
	}
	c.scheduled[key] = entry
	c.observeGauges()

	if !exists {
		c.logger.Debug().Str("key", key.String()).Msg("scheduled reconcile")
	}
	return !exists, nil
}

// Unschedule drops the scheduled entry of a deleted CR
func (c *Controller) Unschedule(key types.ObjectRef) error {
	if _, ok := c.scheduled[key]; !ok {
		return nil
	}
	if err := c.cfg.Store.DeleteScheduled(c.cfg.ID, key); err != nil {
		return fmt.Errorf("failed to persist unschedule of %s: %w", key, err)
	}
	delete(c.scheduled, key)
	c.observeGauges()
	return nil
}

// Startable returns the scheduled keys whose back-off has elapsed
func (c *Controller) Startable(now uint64) []types.ObjectRef {
	if c.crashed {
		return nil
	}
	var keys []types.ObjectRef
	for _, key := range c.ScheduledKeys() {
		if c.scheduled[key].NotBefore <= now {
			keys = append(keys, key)
		}
	}
	return keys
}

// Start begins a pass for a scheduled key at the initial step
func (c *Controller) Start(key types.ObjectRef, now uint64) error {
	if c.crashed {
		return ErrCrashed
	}
	entry, ok := c.scheduled[key]
	if !ok || entry.NotBefore > now {
		return fmt.Errorf("start %s: %w", key, ErrNotScheduled)
	}
	if _, ongoing := c.ongoing[key]; ongoing {
		return fmt.Errorf("start %s: pass already ongoing", key)
	}

	pass := &Ongoing{
		Snapshot:  entry.Snapshot.DeepCopy(),
		State:     c.rec.InitState(),
		StartedAt: now,
	}
	if err := c.cfg.Store.StartReconcile(c.cfg.ID, c.ongoingRecord(key, pass, now)); err != nil {
		return fmt.Errorf("failed to persist start of %s: %w", key, err)
	}

	delete(c.scheduled, key)
	c.ongoing[key] = pass
	c.observeGauges()

	c.logger.Debug().Str("key", key.String()).Msg("started reconcile")
	return nil
}

// Steppable returns the ongoing keys that can step without a response
func (c *Controller) Steppable() []types.ObjectRef {
	if c.crashed {
		return nil
	}
	var keys []types.ObjectRef
	for _, key := range c.OngoingKeys() {
		if c.ongoing[key].Pending == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// Step advances the pass of key. resp must answer the pending request, or
// be nil when nothing is pending. A ServerBusy answer re-sends the pending
// request under a fresh rest id without consulting the reconciler.
func (c *Controller) Step(key types.ObjectRef, resp *types.Message, now uint64) (StepResult, error) {
	if c.crashed {
		return StepResult{}, ErrCrashed
	}
	pass, ok := c.ongoing[key]
	if !ok {
		if resp != nil {
			return StepResult{}, fmt.Errorf("step %s: %w", key, ErrStaleResponse)
		}
		return StepResult{}, fmt.Errorf("step %s: %w", key, ErrNotOngoing)
	}

	switch {
	case pass.Pending == nil && resp != nil:
		return StepResult{}, fmt.Errorf("step %s: %w", key, ErrStaleResponse)
	case pass.Pending != nil && resp == nil:
		return StepResult{}, fmt.Errorf("step %s: %w", key, ErrAwaitingResponse)
	case pass.Pending != nil && !resp.Answers(pass.Pending):
		return StepResult{}, fmt.Errorf("step %s with #%d: %w", key, resp.RestID, ErrStaleResponse)
	}

	logger := log.WithKey(c.logger, key.String())

	if resp != nil && resp.Content.APIResponse != nil && resp.Content.APIResponse.Err == types.ErrServerBusy {
		sent, err := c.send(key, pass, c.requestOf(pass.Pending), now)
		if err != nil {
			return StepResult{}, err
		}
		logger.Debug().Uint64("rest_id", uint64(sent.RestID)).Msg("server busy, retrying request")
		return StepResult{Outcome: OutcomeRetried, Step: pass.State.Step, Sent: sent}, nil
	}

	var response *types.Response
	if resp != nil {
		response = resp.Response()
	}
	next, req := c.rec.ReconcileCore(pass.Snapshot.DeepCopy(), response, pass.State)
	metrics.ReconcileStepsTotal.WithLabelValues(c.cfg.ID, string(next.Step)).Inc()

	if IsTerminal(c.rec, next) {
		outcome := OutcomeDone
		if c.rec.ReconcileError(next) {
			outcome = OutcomeError
		}
		requeued, err := c.finish(key, pass, outcome, now)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Outcome: outcome, Step: next.Step, Requeued: requeued}, nil
	}

	pass.State = next
	pass.Pending = nil
	if req == nil {
		if err := c.cfg.Store.PutOngoing(c.cfg.ID, c.ongoingRecord(key, pass, now)); err != nil {
			return StepResult{}, fmt.Errorf("failed to persist step of %s: %w", key, err)
		}
		return StepResult{Outcome: OutcomeContinue, Step: next.Step}, nil
	}

	sent, err := c.send(key, pass, req, now)
	if err != nil {
		return StepResult{}, err
	}
	logger.Debug().
		Str("step", string(next.Step)).
		Uint64("rest_id", uint64(sent.RestID)).
		Msg("sent request")
	return StepResult{Outcome: OutcomeContinue, Step: next.Step, Sent: sent}, nil
}

// send persists the pass with req pending, then puts req on the network
func (c *Controller) send(key types.ObjectRef, pass *Ongoing, req *types.Request, now uint64) (*types.Message, error) {
	id := c.alloc.Next()
	msg := &types.Message{
		ID:     types.MessageID(id),
		RestID: types.RestID(id),
		Src:    c.Host(key),
	}
	switch {
	case req.API != nil:
		msg.Dst = types.APIServerHost()
		msg.Content.APIRequest = req.API
	case req.External != nil:
		msg.Dst = types.ExternalHost(c.cfg.ID)
		msg.Content.ExternalRequest = req.External
	default:
		return nil, fmt.Errorf("step %s produced an empty request", key)
	}
	msg = msg.DeepCopy()

	pass.Pending = msg
	if err := c.cfg.Store.PutOngoing(c.cfg.ID, c.ongoingRecord(key, pass, now)); err != nil {
		return nil, fmt.Errorf("failed to persist pending request of %s: %w", key, err)
	}
	if err := c.net.Send(msg); err != nil {
		return nil, fmt.Errorf("failed to send request of %s: %w", key, err)
	}
	return msg, nil
}

func (c *Controller) requestOf(msg *types.Message) *types.Request {
	out := msg.DeepCopy()
	return &types.Request{API: out.Content.APIRequest, External: out.Content.ExternalRequest}
}

// TimedOut returns ongoing keys whose pending request was lost: neither the
// request nor its response is in flight
func (c *Controller) TimedOut() []types.ObjectRef {
	if c.crashed {
		return nil
	}
	var keys []types.ObjectRef
	for _, key := range c.OngoingKeys() {
		pass := c.ongoing[key]
		if pass.Pending != nil && !c.net.CarriesRestID(pass.Pending.RestID) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Timeout aborts a pass whose pending request was lost and requeues it with
// back-off
func (c *Controller) Timeout(key types.ObjectRef, now uint64) (StepResult, error) {
	if c.crashed {
		return StepResult{}, ErrCrashed
	}
	pass, ok := c.ongoing[key]
	if !ok {
		return StepResult{}, fmt.Errorf("timeout %s: %w", key, ErrNotOngoing)
	}
	if pass.Pending == nil || c.net.CarriesRestID(pass.Pending.RestID) {
		return StepResult{}, fmt.Errorf("timeout %s: pending request still in flight", key)
	}
	requeued, err := c.finish(key, pass, OutcomeTimeout, now)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Outcome: OutcomeTimeout, Step: pass.State.Step, Requeued: requeued}, nil
}

// finish ends a pass and applies the requeue policy. Errors and timeouts
// requeue with exponential back-off; Done forgets the key's failures and
// requeues only under RequeueOnDone. A requeue takes the CR as currently
// stored and is skipped when the CR is gone.
func (c *Controller) finish(key types.ObjectRef, pass *Ongoing, outcome Outcome, now uint64) (bool, error) {
	notBefore := now
	requeue := true
	switch outcome {
	case OutcomeDone:
		c.limiter.Forget(key)
		requeue = c.cfg.RequeueOnDone
	default:
		notBefore = now + c.ticks(c.limiter.When(key))
	}

	var entry *Scheduled
	if requeue {
		if cr, exists := c.etcd.Get(key); exists {
			entry = &Scheduled{Snapshot: cr, NotBefore: notBefore}
		} else {
			requeue = false
		}
	}

	rec := &storage.Record{Key: key, Tick: now}
	if entry != nil {
		rec = c.scheduledRecord(key, entry, now)
	}
	if err := c.cfg.Store.FinishReconcile(c.cfg.ID, rec, requeue); err != nil {
		return false, fmt.Errorf("failed to persist finish of %s: %w", key, err)
	}

	delete(c.ongoing, key)
	if requeue {
		c.scheduled[key] = entry
	}
	c.observeGauges()

	metrics.ReconcilePassesTotal.WithLabelValues(c.cfg.ID, string(outcome)).Inc()
	metrics.ReconcilePassTicks.WithLabelValues(c.cfg.ID).Observe(float64(now - pass.StartedAt))

	event := c.logger.Info()
	if outcome != OutcomeDone {
		event = c.logger.Warn()
	}
	event.Str("key", key.String()).
		Str("outcome", string(outcome)).
		Str("step", string(pass.State.Step)).
		Uint64("ticks", now-pass.StartedAt).
		Bool("requeued", requeue).
		Msg("reconcile finished")

	return requeue, nil
}

func (c *Controller) ticks(d time.Duration) uint64 {
	n := uint64((d + c.cfg.TickDuration - 1) / c.cfg.TickDuration)
	if n == 0 {
		n = 1
	}
	return n
}

// Crash discards every piece of in-memory state. Persisted state survives.
func (c *Controller) Crash() {
	c.crashed = true
	c.scheduled = make(map[types.ObjectRef]*Scheduled)
	c.ongoing = make(map[types.ObjectRef]*Ongoing)
	c.limiter = workqueue.NewTypedItemExponentialFailureRateLimiter[types.ObjectRef](c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.observeGauges()
	metrics.ControllerCrashes.WithLabelValues(c.cfg.ID).Inc()
	c.logger.Warn().Msg("controller crashed")
}

// Recover brings a crashed controller back. Every persisted scheduled or
// ongoing key becomes a fresh scheduled pass on the CR as currently stored;
// keys whose CR is gone are dropped. Responses to requests of the aborted
// passes arrive later as stale and are ignored.
func (c *Controller) Recover(now uint64) (int, error) {
	scheduled, err := c.cfg.Store.ListScheduled(c.cfg.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load scheduled keys: %w", err)
	}
	ongoing, err := c.cfg.Store.ListOngoing(c.cfg.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load ongoing keys: %w", err)
	}

	c.crashed = false
	c.scheduled = make(map[types.ObjectRef]*Scheduled)
	c.ongoing = make(map[types.ObjectRef]*Ongoing)

	for _, rec := range append(scheduled, ongoing...) {
		cr, exists := c.etcd.Get(rec.Key)
		if !exists {
			if err := c.cfg.Store.FinishReconcile(c.cfg.ID, rec, false); err != nil {
				return 0, fmt.Errorf("failed to drop %s: %w", rec.Key, err)
			}
			if err := c.cfg.Store.DeleteScheduled(c.cfg.ID, rec.Key); err != nil {
				return 0, fmt.Errorf("failed to drop %s: %w", rec.Key, err)
			}
			continue
		}
		entry := &Scheduled{Snapshot: cr, NotBefore: now}
		if err := c.cfg.Store.FinishReconcile(c.cfg.ID, c.scheduledRecord(rec.Key, entry, now), true); err != nil {
			return 0, fmt.Errorf("failed to requeue %s: %w", rec.Key, err)
		}
		c.scheduled[rec.Key] = entry
	}
	c.observeGauges()

	c.logger.Info().Int("requeued", len(c.scheduled)).Msg("controller recovered")
	return len(c.scheduled), nil
}

func (c *Controller) scheduledRecord(key types.ObjectRef, entry *Scheduled, now uint64) *storage.Record {
	return &storage.Record{
		Key:       key,
		Snapshot:  entry.Snapshot,
		NotBefore: entry.NotBefore,
		Tick:      now,
	}
}

func (c *Controller) ongoingRecord(key types.ObjectRef, pass *Ongoing, now uint64) *storage.Record {
	rec := &storage.Record{
		Key:      key,
		Snapshot: pass.Snapshot,
		Step:     string(pass.State.Step),
		Scratch:  pass.State.Scratch,
		Tick:     now,
	}
	if pass.Pending != nil {
		rec.PendingRestID = pass.Pending.RestID
	}
	return rec
}

func (c *Controller) observeGauges() {
	metrics.ReconcilesScheduled.WithLabelValues(c.cfg.ID).Set(float64(len(c.scheduled)))
	metrics.ReconcilesOngoing.WithLabelValues(c.cfg.ID).Set(float64(len(c.ongoing)))
}
