package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/anvil/pkg/apiserver"
	"github.com/cuemby/anvil/pkg/builtin"
	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/events"
	"github.com/cuemby/anvil/pkg/external"
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/metrics"
	"github.com/cuemby/anvil/pkg/network"
	"github.com/cuemby/anvil/pkg/podmonkey"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/storage"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	// ErrActionNotEnabled is returned when applying an action that is not
	// enabled in the current state
	ErrActionNotEnabled = errors.New("action not enabled")
	// ErrUnknownController is returned for an id no controller carries
	ErrUnknownController = errors.New("unknown controller")
	// ErrNothingEnabled is returned by Step when no action is enabled
	ErrNothingEnabled = errors.New("no action enabled")
)

// ExternalSystem is implemented by reconcilers that talk to an external
// system. The cluster serves their external requests with the model.
type ExternalSystem interface {
	ExternalModel() external.Model
}

// Faults selects the fault injectors enabled at start. Every injector can
// be switched off by its disable action once Window ticks have passed.
type Faults struct {
	// Crash lists the controllers that may crash
	Crash     []string
	Drop      bool
	Busy      bool
	PodMonkey bool
	Window    uint64
}

// Options configures a cluster
type Options struct {
	Seed          int64
	TickDuration  time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RequeueOnDone bool
	// Store persists controller state; defaults to memory
	Store storage.Store
	// Etcd is the object store; defaults to an in-memory store
	Etcd etcd.Backend
	// Broker receives cluster events when set
	Broker *events.Broker
	Faults Faults
	// PodMonkeyNamespaces are the namespaces the pod monkey acts in
	PodMonkeyNamespaces []string
	// Objects are created through the API server before any fault starts
	Objects []*types.Object
}

// Cluster is the single state value of a simulated cluster. Every change
// happens inside Apply, one action per tick.
//
// Accessors that return components (Network, Etcd, Controllers, ...) are
// meant for checkers running between ticks on the goroutine that calls
// Apply. MetricsSnapshot may be called from any goroutine.
type Cluster struct {
	mu sync.Mutex

	alloc       *types.Allocator
	net         *network.Network
	etcd        etcd.Backend
	codecs      *types.Registry
	api         *apiserver.Server
	gc          *builtin.GarbageCollector
	monkey      *podmonkey.Monkey
	externals   map[string]external.Model
	controllers map[string]*reconciler.Controller
	byKind      map[types.Kind]*reconciler.Controller
	ids         []string
	footprints  []rely.Footprint

	crashEnabled     map[string]bool
	dropEnabled      bool
	podMonkeyEnabled bool
	faultWindow      uint64

	tick       uint64
	watermarks map[types.ObjectRef]types.RestID

	broker *events.Broker
	rng    *rand.Rand
	logger zerolog.Logger
}

// New assembles a cluster hosting one controller per reconciler. The set of
// reconcilers must pass rely admission.
func New(opts Options, recs ...reconciler.Reconciler) (*Cluster, error) {
	if opts.Etcd == nil {
		opts.Etcd = etcd.NewStore()
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}

	footprints := make([]rely.Footprint, 0, len(recs))
	for _, rec := range recs {
		footprints = append(footprints, rec.Footprint())
	}
	if err := rely.Admit(footprints); err != nil {
		return nil, fmt.Errorf("controllers rejected at admission: %w", err)
	}

	c := &Cluster{
		alloc:            types.NewAllocator(),
		net:              network.New(),
		etcd:             opts.Etcd,
		codecs:           types.NewRegistry(),
		gc:               builtin.NewGarbageCollector(),
		monkey:           podmonkey.New(opts.PodMonkeyNamespaces),
		externals:        make(map[string]external.Model),
		controllers:      make(map[string]*reconciler.Controller),
		byKind:           make(map[types.Kind]*reconciler.Controller),
		footprints:       footprints,
		crashEnabled:     make(map[string]bool),
		dropEnabled:      opts.Faults.Drop,
		podMonkeyEnabled: opts.Faults.PodMonkey && len(opts.PodMonkeyNamespaces) > 0,
		faultWindow:      opts.Faults.Window,
		watermarks:       make(map[types.ObjectRef]types.RestID),
		broker:           opts.Broker,
		rng:              rand.New(rand.NewSource(opts.Seed)),
		logger:           log.WithComponent("cluster"),
	}

	// CR kinds no deployed controller reconciles are still writable, e.g.
	// VReplicaSets created by a VDeployment controller
	for _, kind := range types.CustomKinds() {
		c.codecs.Register(kind, types.RawCodec{})
	}
	for _, rec := range recs {
		c.codecs.Register(rec.Kind(), rec.Codec())
	}

	if err := c.restoreAllocator(); err != nil {
		return nil, err
	}

	c.api = apiserver.New(opts.Etcd, c.codecs, c.alloc)
	for _, obj := range opts.Objects {
		resp, _ := c.api.Handle(types.CreateRequest(obj), 0)
		if !resp.IsOK() {
			return nil, fmt.Errorf("failed to create %s: %s", obj.Ref(), resp.Err)
		}
	}
	c.api.SetBusy(opts.Faults.Busy)

	for _, rec := range recs {
		id := rec.Footprint().ControllerID
		ctrl := reconciler.NewController(reconciler.Config{
			ID:            id,
			RequeueOnDone: opts.RequeueOnDone,
			TickDuration:  opts.TickDuration,
			BaseDelay:     opts.BaseDelay,
			MaxDelay:      opts.MaxDelay,
			Store:         opts.Store,
		}, rec, c.alloc, c.net, opts.Etcd)
		c.controllers[id] = ctrl
		c.byKind[rec.Kind()] = ctrl
		c.ids = append(c.ids, id)
		if ext, ok := rec.(ExternalSystem); ok {
			c.externals[id] = ext.ExternalModel()
		}
	}
	sort.Strings(c.ids)

	for _, id := range opts.Faults.Crash {
		if _, ok := c.controllers[id]; !ok {
			return nil, fmt.Errorf("crash fault for %q: %w", id, ErrUnknownController)
		}
		c.crashEnabled[id] = true
	}

	// Objects already in etcd (a restored replicated store) count as changes
	// the controllers have not seen yet
	for _, id := range c.ids {
		ctrl := c.controllers[id]
		for _, cr := range c.etcd.List(ctrl.Reconciler().Kind(), "") {
			if _, err := ctrl.Schedule(cr, 0); err != nil {
				return nil, fmt.Errorf("failed to schedule stored %s: %w", cr.Ref(), err)
			}
		}
	}

	c.advanceWatermarks()

	metrics.RegisterComponent("etcd", true, "")
	metrics.RegisterComponent("network", true, "")
	c.observeHealth()

	c.logger.Info().
		Strs("controllers", c.ids).
		Int("objects", c.etcd.Len()).
		Msg("cluster assembled")
	return c, nil
}

// restoreAllocator moves the allocator past every uid and resource version
// already stored, so a restored etcd never sees a reused value
func (c *Cluster) restoreAllocator() error {
	var max uint64
	for _, obj := range c.etcd.All() {
		if v := uint64(obj.Metadata.UID); v > max {
			max = v
		}
		if v := uint64(obj.Metadata.ResourceVersion); v > max {
			max = v
		}
	}
	if max == 0 {
		return nil
	}
	if err := c.alloc.Restore(max + 1); err != nil {
		return fmt.Errorf("failed to restore allocator: %w", err)
	}
	return nil
}

// Tick returns the number of actions applied so far
func (c *Cluster) Tick() uint64 { return c.tick }

// Allocator returns the shared id allocator
func (c *Cluster) Allocator() *types.Allocator { return c.alloc }

// Network returns the in-flight message set
func (c *Cluster) Network() *network.Network { return c.net }

// Etcd returns the object store
func (c *Cluster) Etcd() etcd.Backend { return c.etcd }

// APIServer returns the API server
func (c *Cluster) APIServer() *apiserver.Server { return c.api }

// Codecs returns the per-kind codec registry
func (c *Cluster) Codecs() *types.Registry { return c.codecs }

// Footprints returns the footprints of every hosted controller
func (c *Cluster) Footprints() []rely.Footprint { return c.footprints }

// Controllers returns the hosted controllers ordered by id
func (c *Cluster) Controllers() []*reconciler.Controller {
	out := make([]*reconciler.Controller, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.controllers[id])
	}
	return out
}

// Controller returns the controller with the given id
func (c *Cluster) Controller(id string) (*reconciler.Controller, bool) {
	ctrl, ok := c.controllers[id]
	return ctrl, ok
}

// ControllerFor returns the controller reconciling kind
func (c *Cluster) ControllerFor(kind types.Kind) (*reconciler.Controller, bool) {
	ctrl, ok := c.byKind[kind]
	return ctrl, ok
}

// External returns the external model serving controller id
func (c *Cluster) External(id string) (external.Model, bool) {
	m, ok := c.externals[id]
	return m, ok
}

// Watermark returns the rest id watermark of a CR key
func (c *Cluster) Watermark(key types.ObjectRef) (types.RestID, bool) {
	w, ok := c.watermarks[key]
	return w, ok
}

// CrashEnabled reports whether controller id may still crash
func (c *Cluster) CrashEnabled(id string) bool { return c.crashEnabled[id] }

// DropEnabled reports whether the network may still drop messages
func (c *Cluster) DropEnabled() bool { return c.dropEnabled }

// PodMonkeyEnabled reports whether the pod monkey may still act
func (c *Cluster) PodMonkeyEnabled() bool { return c.podMonkeyEnabled }

// FaultsActive reports whether any fault injector is still on or any
// controller is still down
func (c *Cluster) FaultsActive() bool {
	if c.dropEnabled || c.podMonkeyEnabled || c.api.Busy() {
		return true
	}
	for _, id := range c.ids {
		if c.crashEnabled[id] || c.controllers[id].Crashed() {
			return true
		}
	}
	return false
}

// Submit serves a request from a cluster user directly, outside the
// network. It is how CRs are created, edited and deleted.
func (c *Cluster) Submit(req *types.APIRequest) (*types.APIResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, evs := c.api.Handle(req, types.Timestamp(c.tick))
	if err := c.processWatch(evs); err != nil {
		return resp, err
	}
	c.advanceWatermarks()
	return resp, nil
}

// Inject puts a message with a fresh id on the network
func (c *Cluster) Inject(src, dst types.HostID, restID types.RestID, content types.Content) (*types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := &types.Message{
		ID:      types.MessageID(c.alloc.Next()),
		Src:     src,
		Dst:     dst,
		RestID:  restID,
		Content: content,
	}
	if err := c.net.Send(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Enabled returns every action enabled in the current state, in a stable
// order
func (c *Cluster) Enabled() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled()
}

func (c *Cluster) enabled() []Action {
	var out []Action
	inFlight := c.net.Messages()
	pastWindow := c.tick >= c.faultWindow

	for _, msg := range inFlight {
		switch msg.Dst.Kind {
		case types.HostAPIServer:
			if apiserver.Eligible(msg, inFlight) {
				out = append(out, Action{Kind: ActionAPIServerStep, MessageID: msg.ID})
			}
		case types.HostController:
			if ctrl, ok := c.controllers[msg.Dst.ControllerID]; ok && !ctrl.Crashed() {
				out = append(out, Action{Kind: ActionControllerStep, ControllerID: msg.Dst.ControllerID, Key: msg.Dst.Key, MessageID: msg.ID})
			}
		case types.HostExternal:
			if _, ok := c.externals[msg.Dst.ControllerID]; ok {
				out = append(out, Action{Kind: ActionExternalStep, ControllerID: msg.Dst.ControllerID, MessageID: msg.ID})
			}
		}
	}

	if c.gc.Next(c.etcd, inFlight) != nil {
		out = append(out, Action{Kind: ActionBuiltinControllerStep})
	}

	for _, id := range c.ids {
		ctrl := c.controllers[id]
		if ctrl.Crashed() {
			out = append(out, Action{Kind: ActionRestartController, ControllerID: id})
			continue
		}
		for _, key := range ctrl.Startable(c.tick) {
			out = append(out, Action{Kind: ActionControllerStep, ControllerID: id, Key: key})
		}
		for _, key := range ctrl.Steppable() {
			out = append(out, Action{Kind: ActionControllerStep, ControllerID: id, Key: key})
		}
		for _, key := range ctrl.TimedOut() {
			out = append(out, Action{Kind: ActionControllerStep, ControllerID: id, Key: key})
		}
		for _, cr := range c.etcd.List(ctrl.Reconciler().Kind(), "") {
			if ctrl.CanSchedule(cr.Ref()) {
				out = append(out, Action{Kind: ActionScheduleControllerReconcile, ControllerID: id, Key: cr.Ref()})
			}
		}
		if c.crashEnabled[id] {
			out = append(out, Action{Kind: ActionCrashController, ControllerID: id})
			if pastWindow {
				out = append(out, Action{Kind: ActionDisableCrash, ControllerID: id})
			}
		}
	}

	if c.dropEnabled {
		for _, msg := range inFlight {
			out = append(out, Action{Kind: ActionDropMessage, MessageID: msg.ID})
		}
		if pastWindow {
			out = append(out, Action{Kind: ActionDisableDrop})
		}
	}
	if c.api.Busy() && pastWindow {
		out = append(out, Action{Kind: ActionDisableBusy})
	}
	if c.podMonkeyEnabled {
		out = append(out, Action{Kind: ActionPodMonkeyStep})
		if pastWindow {
			out = append(out, Action{Kind: ActionDisablePodMonkey})
		}
	}

	return append(out, Action{Kind: ActionStutter})
}

// Apply executes one enabled action atomically and advances the tick
func (c *Cluster) Apply(a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for _, e := range c.enabled() {
		if e == a {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%s: %w", a, ErrActionNotEnabled)
	}
	return c.apply(a)
}

// Step lets ch choose one enabled action and applies it
func (c *Cluster) Step(ch *Chooser) (Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	enabled := c.enabled()
	if len(enabled) == 0 {
		return Action{}, ErrNothingEnabled
	}
	a := ch.Choose(c.tick, enabled)
	return a, c.apply(a)
}

func (c *Cluster) apply(a Action) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	var err error
	switch a.Kind {
	case ActionAPIServerStep:
		err = c.apiServerStep(a.MessageID)
	case ActionBuiltinControllerStep:
		err = c.builtinStep()
	case ActionControllerStep:
		err = c.controllerStep(a)
	case ActionScheduleControllerReconcile:
		err = c.schedule(a.ControllerID, a.Key)
	case ActionExternalStep:
		err = c.externalStep(a.ControllerID, a.MessageID)
	case ActionCrashController:
		c.crash(a.ControllerID)
	case ActionRestartController:
		err = c.restart(a.ControllerID)
	case ActionDisableCrash:
		c.crashEnabled[a.ControllerID] = false
		c.faultDisabled("crash/" + a.ControllerID)
	case ActionDropMessage:
		err = c.drop(a.MessageID)
	case ActionDisableDrop:
		c.dropEnabled = false
		c.faultDisabled("drop")
	case ActionDisableBusy:
		c.api.SetBusy(false)
		c.faultDisabled("busy")
	case ActionPodMonkeyStep:
		err = c.podMonkeyStep()
	case ActionDisablePodMonkey:
		c.podMonkeyEnabled = false
		c.faultDisabled("podmonkey")
	case ActionStutter:
	default:
		err = fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if err != nil {
		return fmt.Errorf("tick %d %s: %w", c.tick, a, err)
	}

	metrics.TicksTotal.WithLabelValues(string(a.Kind)).Inc()
	c.logger.Debug().Uint64("tick", c.tick).Str("action", a.String()).Msg("applied action")

	c.tick++
	c.advanceWatermarks()
	return nil
}

func (c *Cluster) send(src, dst types.HostID, restID types.RestID, content types.Content) error {
	msg := &types.Message{
		ID:      types.MessageID(c.alloc.Next()),
		Src:     src,
		Dst:     dst,
		RestID:  restID,
		Content: content,
	}
	return c.net.Send(msg)
}

// apiServerStep serves one request. Only controllers wait for answers; the
// garbage collector and the pod monkey fire and forget.
func (c *Cluster) apiServerStep(id types.MessageID) error {
	msg, err := c.net.Receive(id)
	if err != nil {
		return err
	}
	resp, evs := c.api.Handle(msg.Content.APIRequest, types.Timestamp(c.tick))
	if msg.Src.Kind == types.HostController {
		if err := c.send(types.APIServerHost(), msg.Src, msg.RestID, types.Content{APIResponse: resp}); err != nil {
			return err
		}
	}
	return c.processWatch(evs)
}

// processWatch publishes watch events and keeps scheduled snapshots in step
// with etcd: a changed CR is scheduled for its controller, a deleted one is
// unscheduled
func (c *Cluster) processWatch(evs []apiserver.WatchEvent) error {
	for _, ev := range evs {
		ref := ev.Object.Ref()
		c.publish(watchEventType(ev.Type), fmt.Sprintf("%s %s", ev.Type, ref), map[string]string{
			"key": ref.String(),
			"uid": strconv.FormatUint(uint64(ev.Object.Metadata.UID), 10),
		})

		ctrl, ok := c.byKind[ref.Kind]
		if !ok || ctrl.Crashed() {
			continue
		}
		if ev.Type == apiserver.Deleted {
			if err := ctrl.Unschedule(ref); err != nil {
				return err
			}
			continue
		}
		added, err := ctrl.Schedule(ev.Object, c.tick)
		if err != nil {
			return err
		}
		if added {
			c.publish(events.EventReconcileScheduled, "scheduled "+ref.String(), map[string]string{
				"controller_id": ctrl.ID(),
				"key":           ref.String(),
			})
		}
	}
	return nil
}

func watchEventType(t apiserver.WatchEventType) events.EventType {
	switch t {
	case apiserver.Added:
		return events.EventObjectAdded
	case apiserver.Deleted:
		return events.EventObjectDeleted
	default:
		return events.EventObjectModified
	}
}

func (c *Cluster) builtinStep() error {
	req := c.gc.Next(c.etcd, c.net.Messages())
	if req == nil {
		return nil
	}
	id := c.alloc.Next()
	return c.net.Send(&types.Message{
		ID:      types.MessageID(id),
		RestID:  types.RestID(id),
		Src:     types.BuiltinHost(),
		Dst:     types.APIServerHost(),
		Content: types.Content{APIRequest: req},
	})
}

// controllerStep delivers a response when the action carries one. Otherwise
// it starts a scheduled pass, steps a pass that awaits nothing, or times
// out a pass whose request was lost.
func (c *Cluster) controllerStep(a Action) error {
	ctrl := c.controllers[a.ControllerID]
	meta := map[string]string{"controller_id": a.ControllerID, "key": a.Key.String()}

	if a.MessageID != 0 {
		msg, err := c.net.Receive(a.MessageID)
		if err != nil {
			return err
		}
		res, err := ctrl.Step(a.Key, msg, c.tick)
		if errors.Is(err, reconciler.ErrStaleResponse) {
			c.logger.Debug().
				Str("controller_id", a.ControllerID).
				Str("key", a.Key.String()).
				Uint64("rest_id", uint64(msg.RestID)).
				Msg("ignored stale response")
			return nil
		}
		if err != nil {
			return err
		}
		c.publishResult(res, meta)
		return nil
	}

	pass, ongoing := ctrl.OngoingEntry(a.Key)
	switch {
	case !ongoing:
		if err := ctrl.Start(a.Key, c.tick); err != nil {
			return err
		}
		c.publish(events.EventReconcileStarted, "started "+a.Key.String(), meta)
	case pass.Pending == nil:
		res, err := ctrl.Step(a.Key, nil, c.tick)
		if err != nil {
			return err
		}
		c.publishResult(res, meta)
	default:
		res, err := ctrl.Timeout(a.Key, c.tick)
		if err != nil {
			return err
		}
		c.publishResult(res, meta)
	}
	return nil
}

func (c *Cluster) publishResult(res reconciler.StepResult, meta map[string]string) {
	var typ events.EventType
	switch res.Outcome {
	case reconciler.OutcomeDone:
		typ = events.EventReconcileDone
	case reconciler.OutcomeError:
		typ = events.EventReconcileError
	case reconciler.OutcomeTimeout:
		typ = events.EventReconcileTimeout
	default:
		return
	}
	meta["step"] = string(res.Step)
	meta["requeued"] = strconv.FormatBool(res.Requeued)
	c.publish(typ, fmt.Sprintf("reconcile of %s finished %s", meta["key"], res.Outcome), meta)
}

func (c *Cluster) schedule(id string, key types.ObjectRef) error {
	ctrl := c.controllers[id]
	cr, ok := c.etcd.Get(key)
	if !ok {
		return fmt.Errorf("schedule %s: %w", key, etcd.ErrNotFound)
	}
	added, err := ctrl.Schedule(cr, c.tick)
	if err != nil {
		return err
	}
	if added {
		c.publish(events.EventReconcileScheduled, "scheduled "+key.String(), map[string]string{
			"controller_id": id,
			"key":           key.String(),
		})
	}
	return nil
}

func (c *Cluster) externalStep(id string, msgID types.MessageID) error {
	msg, err := c.net.Receive(msgID)
	if err != nil {
		return err
	}
	resp := c.externals[id].Handle(msg.Content.ExternalRequest)
	return c.send(msg.Dst, msg.Src, msg.RestID, types.Content{ExternalResponse: resp})
}

func (c *Cluster) crash(id string) {
	ctrl := c.controllers[id]
	ctrl.Crash()
	// Requests of the aborted passes stay in flight, so the windows of the
	// controller's keys restart once they drain
	for key := range c.watermarks {
		if key.Kind == ctrl.Reconciler().Kind() {
			delete(c.watermarks, key)
		}
	}
	c.observeHealth()
	c.publish(events.EventControllerCrashed, "controller "+id+" crashed", map[string]string{"controller_id": id})
}

func (c *Cluster) restart(id string) error {
	n, err := c.controllers[id].Recover(c.tick)
	if err != nil {
		return err
	}
	c.observeHealth()
	c.publish(events.EventControllerRecovered, "controller "+id+" recovered", map[string]string{
		"controller_id": id,
		"requeued":      strconv.Itoa(n),
	})
	return nil
}

func (c *Cluster) drop(id types.MessageID) error {
	msg, err := c.net.Drop(id)
	if err != nil {
		return err
	}
	c.publish(events.EventMessageDropped, "dropped "+msg.String(), map[string]string{
		"message_id": strconv.FormatUint(uint64(msg.ID), 10),
		"rest_id":    strconv.FormatUint(uint64(msg.RestID), 10),
	})
	return nil
}

func (c *Cluster) podMonkeyStep() error {
	in, ok := c.monkey.Choose(c.rng, c.etcd)
	if !ok {
		return nil
	}
	req := c.monkey.Request(in)
	if req == nil {
		return nil
	}
	id := c.alloc.Next()
	return c.net.Send(&types.Message{
		ID:      types.MessageID(id),
		RestID:  types.RestID(id),
		Src:     types.PodMonkeyHost(),
		Dst:     types.APIServerHost(),
		Content: types.Content{APIRequest: req},
	})
}

func (c *Cluster) faultDisabled(fault string) {
	c.observeHealth()
	c.logger.Info().Uint64("tick", c.tick).Str("fault", fault).Msg("fault disabled")
	c.publish(events.EventFaultDisabled, fault+" disabled", map[string]string{"fault": fault})
}

// advanceWatermarks moves the watermark of every CR key with no controller
// request in flight to the next rest id to be allocated
func (c *Cluster) advanceWatermarks() {
	pending := sets.New[types.ObjectRef]()
	for _, msg := range c.net.Messages() {
		if msg.Src.Kind == types.HostController && msg.IsRequest() {
			pending.Insert(msg.Src.Key)
		}
	}

	live := sets.New[types.ObjectRef]()
	next := types.RestID(c.alloc.Counter())
	for _, id := range c.ids {
		for _, cr := range c.etcd.List(c.controllers[id].Reconciler().Kind(), "") {
			key := cr.Ref()
			live.Insert(key)
			if !pending.Has(key) {
				c.watermarks[key] = next
			}
		}
	}
	for key := range c.watermarks {
		if !live.Has(key) {
			delete(c.watermarks, key)
		}
	}
}

func (c *Cluster) publish(typ events.EventType, msg string, metadata map[string]string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(events.NewEvent(typ, c.tick, msg, metadata))
}

func (c *Cluster) observeHealth() {
	msg := ""
	if c.api.Busy() {
		msg = "busy"
	}
	metrics.UpdateComponent("apiserver", !c.api.Busy(), msg)
	for _, id := range c.ids {
		msg := ""
		crashed := c.controllers[id].Crashed()
		if crashed {
			msg = "crashed"
		}
		metrics.UpdateComponent("controller/"+id, !crashed, msg)
	}
}

// MetricsSnapshot implements metrics.Source
func (c *Cluster) MetricsSnapshot() metrics.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := metrics.Snapshot{
		Tick:          c.tick,
		InFlight:      c.net.Len(),
		ObjectsByKind: make(map[string]int),
		Scheduled:     make(map[string]int),
		Ongoing:       make(map[string]int),
		Faults: map[string]bool{
			"drop":      c.dropEnabled,
			"busy":      c.api.Busy(),
			"podmonkey": c.podMonkeyEnabled,
		},
		Crashed: make(map[string]bool),
	}
	for kind, n := range c.etcd.CountByKind() {
		snap.ObjectsByKind[string(kind)] = n
	}
	for _, id := range c.ids {
		ctrl := c.controllers[id]
		snap.Scheduled[id] = len(ctrl.ScheduledKeys())
		snap.Ongoing[id] = len(ctrl.OngoingKeys())
		snap.Crashed[id] = ctrl.Crashed()
		snap.Faults["crash/"+id] = c.crashEnabled[id]
	}
	return snap
}
