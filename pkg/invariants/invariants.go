package invariants

import (
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/anvil/pkg/builtin"
	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/external"
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/metrics"
	"github.com/cuemby/anvil/pkg/network"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
)

// View is the read-only cluster state an invariant inspects
type View interface {
	Tick() uint64
	Allocator() *types.Allocator
	Network() *network.Network
	Etcd() etcd.Backend
	Codecs() *types.Registry
	Footprints() []rely.Footprint
	Controllers() []*reconciler.Controller
	External(id string) (external.Model, bool)
	Watermark(key types.ObjectRef) (types.RestID, bool)
}

// Severity ranks a violation
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
)

// Invariant is one named safety property checked after every tick
type Invariant struct {
	ID          string
	Description string
	Severity    Severity
	Check       func(v View, h *History) error
}

// All returns the full invariant table in check order
func All() []Invariant {
	return []Invariant{
		{
			ID:          "unique-message-ids",
			Description: "In-flight messages have distinct ids and in-flight requests have distinct rest ids",
			Severity:    SeverityCritical,
			Check:       uniqueMessageIDs,
		},
		{
			ID:          "ids-below-counter",
			Description: "Every allocated id in flight or in etcd is below the allocator counter",
			Severity:    SeverityCritical,
			Check:       idsBelowCounter,
		},
		{
			ID:          "rest-id-not-reused",
			Description: "Only the pending request and its answer carry the rest id of an ongoing pass",
			Severity:    SeverityCritical,
			Check:       restIDNotReused,
		},
		{
			ID:          "etcd-well-formed",
			Description: "Stored objects have a valid key, allocated uid and resource version, at most one controller reference and a spec their codec accepts",
			Severity:    SeverityCritical,
			Check:       etcdWellFormed,
		},
		{
			ID:          "schedule-matches-etcd",
			Description: "A scheduled snapshot is the CR as stored in etcd",
			Severity:    SeverityHigh,
			Check:       scheduleMatchesEtcd,
		},
		{
			ID:          "single-pending-request",
			Description: "A pass has no request in flight newer than its pending request",
			Severity:    SeverityCritical,
			Check:       singlePendingRequest,
		},
		{
			ID:          "controller-addressing",
			Description: "Controllers talk only to the API server and their own external system",
			Severity:    SeverityCritical,
			Check:       controllerAddressing,
		},
		{
			ID:          "single-matching-response",
			Description: "At most one response addressed to a pass matches its pending rest id",
			Severity:    SeverityCritical,
			Check:       singleMatchingResponse,
		},
		{
			ID:          "pending-request-correct",
			Description: "The pending request of a pass is the one its reconciler expects at the current step",
			Severity:    SeverityHigh,
			Check:       pendingRequestCorrect,
		},
		{
			ID:          "pending-request-live",
			Description: "The pending request or its answer is in flight unless it was dropped",
			Severity:    SeverityCritical,
			Check:       pendingRequestLive,
		},
		{
			ID:          "controller-host-kind",
			Description: "Every controller message carries a key of the controller's CR kind",
			Severity:    SeverityCritical,
			Check:       controllerHostKind,
		},
		{
			ID:          "snapshot-immutable",
			Description: "The triggering CR of a pass never changes while the pass runs",
			Severity:    SeverityCritical,
			Check:       snapshotImmutable,
		},
		{
			ID:          "schedule-ongoing-disjoint",
			Description: "A key is never scheduled and ongoing at the same time",
			Severity:    SeverityCritical,
			Check:       scheduleOngoingDisjoint,
		},
		{
			ID:          "owner-refs-resolve",
			Description: "An owner reference uid never resolves to a different object",
			Severity:    SeverityHigh,
			Check:       ownerRefsResolve,
		},
		{
			ID:          "watermark-single-create",
			Description: "Since its watermark a CR has at most one create in flight per kind",
			Severity:    SeverityHigh,
			Check:       watermarkSingleCreate,
		},
		{
			ID:          "watermark-single-update",
			Description: "Since its watermark a CR has at most one update in flight per kind",
			Severity:    SeverityHigh,
			Check:       watermarkSingleUpdate,
		},
		{
			ID:          "watermark-no-plain-delete",
			Description: "Since its watermark a CR sends no unguarded delete",
			Severity:    SeverityHigh,
			Check:       watermarkNoPlainDelete,
		},
		{
			ID:          "watermark-stable-update",
			Description: "Since its watermark every update a CR sends to one object carries the same spec",
			Severity:    SeverityHigh,
			Check:       watermarkStableUpdate,
		},
		{
			ID:          "controller-guarantee",
			Description: "Every controller request stays inside its footprint",
			Severity:    SeverityCritical,
			Check:       controllerGuarantee,
		},
		{
			ID:          "builtin-guarantee",
			Description: "The garbage collector deletes only orphans by uid and the pod monkey touches only pods",
			Severity:    SeverityCritical,
			Check:       builtinGuarantee,
		},
	}
}

// Violation is a failed invariant at a tick
type Violation struct {
	ID       string
	Severity Severity
	Tick     uint64
	Err      error
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s at tick %d: %v", v.ID, v.Tick, v.Err)
}

func (v *Violation) Unwrap() error { return v.Err }

// Checker runs a set of invariants. It remembers what earlier ticks looked
// like for the invariants that compare across time, so one checker must
// follow one cluster from its first tick.
type Checker struct {
	invariants []Invariant
	history    *History
	logger     zerolog.Logger
}

// NewChecker creates a checker for the given invariant ids, or for every
// invariant when none are given
func NewChecker(ids ...string) (*Checker, error) {
	invs := All()
	if len(ids) > 0 {
		byID := make(map[string]Invariant, len(invs))
		for _, inv := range invs {
			byID[inv.ID] = inv
		}
		invs = invs[:0]
		for _, id := range ids {
			inv, ok := byID[id]
			if !ok {
				return nil, fmt.Errorf("unknown invariant %q", id)
			}
			invs = append(invs, inv)
		}
	}
	return &Checker{
		invariants: invs,
		history:    newHistory(),
		logger:     log.WithComponent("invariants"),
	}, nil
}

// Invariants returns the invariants the checker runs
func (c *Checker) Invariants() []Invariant { return c.invariants }

// Check runs every invariant against v and returns all violations as one
// multierror of *Violation
func (c *Checker) Check(v View) error {
	var result *multierror.Error
	for _, inv := range c.invariants {
		err := inv.Check(v, c.history)
		if err == nil {
			continue
		}
		metrics.InvariantViolations.WithLabelValues(inv.ID).Inc()
		c.logger.Error().
			Err(err).
			Str("invariant", inv.ID).
			Uint64("tick", v.Tick()).
			Msg("invariant violated")
		result = multierror.Append(result, &Violation{ID: inv.ID, Severity: inv.Severity, Tick: v.Tick(), Err: err})
	}
	c.history.observe(v)
	return result.ErrorOrNil()
}

// History is what the checker remembers between ticks
type History struct {
	snapshots map[passKey]*types.Object
	updates   map[updateKey]updateRecord
}

type passKey struct {
	controller string
	key        types.ObjectRef
	startedAt  uint64
}

type updateKey struct {
	cr     types.ObjectRef
	target types.ObjectRef
}

type updateRecord struct {
	watermark types.RestID
	spec      json.RawMessage
}

func newHistory() *History {
	return &History{
		snapshots: make(map[passKey]*types.Object),
		updates:   make(map[updateKey]updateRecord),
	}
}

// observe records the snapshot of every ongoing pass and the first update
// spec seen per object since each watermark
func (h *History) observe(v View) {
	live := make(map[passKey]*types.Object)
	for _, ctrl := range v.Controllers() {
		for _, key := range ctrl.OngoingKeys() {
			pass, _ := ctrl.OngoingEntry(key)
			pk := passKey{controller: ctrl.ID(), key: key, startedAt: pass.StartedAt}
			if seen, ok := h.snapshots[pk]; ok {
				live[pk] = seen
				continue
			}
			live[pk] = pass.Snapshot.DeepCopy()
		}
	}
	h.snapshots = live

	for _, msg := range windowed(v, isUpdate) {
		req := msg.Content.APIRequest
		w, _ := v.Watermark(msg.Src.Key)
		uk := updateKey{cr: msg.Src.Key, target: req.Key}
		if rec, ok := h.updates[uk]; ok && rec.watermark == w {
			continue
		}
		h.updates[uk] = updateRecord{watermark: w, spec: append(json.RawMessage(nil), req.Obj.Spec...)}
	}
	for uk, rec := range h.updates {
		if w, ok := v.Watermark(uk.cr); !ok || w != rec.watermark {
			delete(h.updates, uk)
		}
	}
}

func uniqueMessageIDs(v View, _ *History) error {
	var result *multierror.Error
	ids := make(map[types.MessageID]bool)
	requests := make(map[types.RestID]types.MessageID)
	for _, msg := range v.Network().Messages() {
		if ids[msg.ID] {
			result = multierror.Append(result, fmt.Errorf("message id %d in flight twice", msg.ID))
		}
		ids[msg.ID] = true
		if !msg.IsRequest() {
			continue
		}
		if other, ok := requests[msg.RestID]; ok {
			result = multierror.Append(result, fmt.Errorf("requests %d and %d share rest id %d", other, msg.ID, msg.RestID))
		}
		requests[msg.RestID] = msg.ID
	}
	return result.ErrorOrNil()
}

func idsBelowCounter(v View, _ *History) error {
	var result *multierror.Error
	counter := v.Allocator().Counter()
	for _, msg := range v.Network().Messages() {
		if uint64(msg.ID) >= counter || uint64(msg.RestID) >= counter {
			result = multierror.Append(result, fmt.Errorf("%s: ids not below counter %d", msg, counter))
		}
	}
	for _, obj := range v.Etcd().All() {
		if uint64(obj.Metadata.UID) >= counter || uint64(obj.Metadata.ResourceVersion) >= counter {
			result = multierror.Append(result, fmt.Errorf("%s: uid %d or resource version %d not below counter %d",
				obj.Ref(), obj.Metadata.UID, obj.Metadata.ResourceVersion, counter))
		}
	}
	return result.ErrorOrNil()
}

func restIDNotReused(v View, _ *History) error {
	var result *multierror.Error
	forEachPending(v, func(ctrl *reconciler.Controller, key types.ObjectRef, pass *reconciler.Ongoing) {
		for _, msg := range v.Network().Messages() {
			if msg.RestID != pass.Pending.RestID || msg.ID == pass.Pending.ID || msg.Answers(pass.Pending) {
				continue
			}
			result = multierror.Append(result, fmt.Errorf("%s reuses the pending rest id of %s/%s", msg, ctrl.ID(), key))
		}
	})
	return result.ErrorOrNil()
}

func etcdWellFormed(v View, _ *History) error {
	var result *multierror.Error
	store := v.Etcd()
	for _, obj := range store.All() {
		ref := obj.Ref()
		switch {
		case !obj.Kind.Valid() || obj.Metadata.Name == "":
			result = multierror.Append(result, fmt.Errorf("%s: malformed key", ref))
			continue
		case obj.Metadata.UID == 0 || obj.Metadata.ResourceVersion == 0:
			result = multierror.Append(result, fmt.Errorf("%s: uid or resource version never assigned", ref))
		case obj.ControllerRefCount() > 1:
			result = multierror.Append(result, fmt.Errorf("%s: %d controller references", ref, obj.ControllerRefCount()))
		}
		if byUID, ok := store.GetByUID(obj.Metadata.UID); !ok || byUID.Ref() != ref {
			result = multierror.Append(result, fmt.Errorf("%s: uid %d does not index back to it", ref, obj.Metadata.UID))
		}
		codec, ok := v.Codecs().Codec(obj.Kind)
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%s: no codec for kind", ref))
			continue
		}
		if err := codec.Validate(obj.Spec); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", ref, err))
		}
	}
	return result.ErrorOrNil()
}

func scheduleMatchesEtcd(v View, _ *History) error {
	var result *multierror.Error
	for _, ctrl := range v.Controllers() {
		for _, key := range ctrl.ScheduledKeys() {
			entry, _ := ctrl.ScheduledEntry(key)
			stored, ok := v.Etcd().Get(key)
			switch {
			case !ok:
				result = multierror.Append(result, fmt.Errorf("%s/%s scheduled but not stored", ctrl.ID(), key))
			case entry.Snapshot.Ref() != key:
				result = multierror.Append(result, fmt.Errorf("%s/%s scheduled with snapshot of %s", ctrl.ID(), key, entry.Snapshot.Ref()))
			case entry.Snapshot.Metadata.UID != stored.Metadata.UID ||
				!v.Codecs().SpecEqual(key.Kind, entry.Snapshot.Spec, stored.Spec):
				result = multierror.Append(result, fmt.Errorf("%s/%s scheduled snapshot differs from etcd", ctrl.ID(), key))
			}
		}
		for _, key := range ctrl.OngoingKeys() {
			pass, _ := ctrl.OngoingEntry(key)
			if pass.Snapshot.Ref() != key {
				result = multierror.Append(result, fmt.Errorf("%s/%s ongoing with snapshot of %s", ctrl.ID(), key, pass.Snapshot.Ref()))
			}
		}
	}
	return result.ErrorOrNil()
}

func singlePendingRequest(v View, _ *History) error {
	var result *multierror.Error
	forEachPending(v, func(ctrl *reconciler.Controller, key types.ObjectRef, pass *reconciler.Ongoing) {
		host := ctrl.Host(key)
		for _, msg := range v.Network().Messages() {
			if msg.Src == host && msg.IsRequest() && msg.RestID > pass.Pending.RestID {
				result = multierror.Append(result, fmt.Errorf("%s in flight beside pending request of %s/%s", msg, ctrl.ID(), key))
			}
		}
	})
	return result.ErrorOrNil()
}

func controllerAddressing(v View, _ *History) error {
	var result *multierror.Error
	for _, msg := range v.Network().Messages() {
		if msg.Src.Kind != types.HostController || !msg.IsRequest() {
			continue
		}
		id := msg.Src.ControllerID
		switch {
		case msg.Content.APIRequest != nil && msg.Dst.Kind != types.HostAPIServer:
			result = multierror.Append(result, fmt.Errorf("%s: API request not addressed to the API server", msg))
		case msg.Content.ExternalRequest != nil:
			if _, ok := v.External(id); !ok {
				result = multierror.Append(result, fmt.Errorf("%s: %s has no external system", msg, id))
			} else if msg.Dst != types.ExternalHost(id) {
				result = multierror.Append(result, fmt.Errorf("%s: external request not addressed to %s", msg, types.ExternalHost(id)))
			}
		}
	}
	return result.ErrorOrNil()
}

func singleMatchingResponse(v View, _ *History) error {
	var result *multierror.Error
	forEachPending(v, func(ctrl *reconciler.Controller, key types.ObjectRef, pass *reconciler.Ongoing) {
		host := ctrl.Host(key)
		matches := v.Network().Count(func(msg *types.Message) bool {
			return msg.IsResponse() && msg.Dst == host && msg.RestID == pass.Pending.RestID
		})
		if matches > 1 {
			result = multierror.Append(result, fmt.Errorf("%s/%s has %d responses for rest id %d",
				ctrl.ID(), key, matches, pass.Pending.RestID))
		}
	})
	return result.ErrorOrNil()
}

func pendingRequestCorrect(v View, _ *History) error {
	var result *multierror.Error
	for _, ctrl := range v.Controllers() {
		rec := ctrl.Reconciler()
		for _, key := range ctrl.OngoingKeys() {
			pass, _ := ctrl.OngoingEntry(key)
			step := pass.State.Step
			if step == rec.InitState().Step {
				continue
			}
			if pass.Pending == nil {
				result = multierror.Append(result, fmt.Errorf("%s/%s at %s has no pending request", ctrl.ID(), key, step))
				continue
			}
			req := &types.Request{API: pass.Pending.Content.APIRequest, External: pass.Pending.Content.ExternalRequest}
			if !rec.IsCorrectPendingRequestAtStep(step, req, pass.Snapshot, v.Etcd()) {
				result = multierror.Append(result, fmt.Errorf("%s/%s at %s has unexpected pending %s", ctrl.ID(), key, step, pass.Pending))
			}
		}
	}
	return result.ErrorOrNil()
}

func pendingRequestLive(v View, _ *History) error {
	var result *multierror.Error
	net := v.Network()
	forEachPending(v, func(ctrl *reconciler.Controller, key types.ObjectRef, pass *reconciler.Ongoing) {
		if net.Contains(pass.Pending.ID) || net.WasDropped(pass.Pending.RestID) {
			return
		}
		answered := net.Count(func(msg *types.Message) bool { return msg.Answers(pass.Pending) }) > 0
		if !answered {
			result = multierror.Append(result, fmt.Errorf("%s/%s: pending %s vanished without a response", ctrl.ID(), key, pass.Pending))
		}
	})
	return result.ErrorOrNil()
}

func controllerHostKind(v View, _ *History) error {
	var result *multierror.Error
	kinds := make(map[string]types.Kind)
	for _, ctrl := range v.Controllers() {
		kinds[ctrl.ID()] = ctrl.Reconciler().Kind()
	}
	for _, msg := range v.Network().Messages() {
		for _, host := range []types.HostID{msg.Src, msg.Dst} {
			if host.Kind != types.HostController {
				continue
			}
			if kind, ok := kinds[host.ControllerID]; !ok || host.Key.Kind != kind {
				result = multierror.Append(result, fmt.Errorf("%s: host %s does not carry a %s key", msg, host, kind))
			}
		}
	}
	return result.ErrorOrNil()
}

func snapshotImmutable(v View, h *History) error {
	var result *multierror.Error
	for _, ctrl := range v.Controllers() {
		for _, key := range ctrl.OngoingKeys() {
			pass, _ := ctrl.OngoingEntry(key)
			seen, ok := h.snapshots[passKey{controller: ctrl.ID(), key: key, startedAt: pass.StartedAt}]
			if !ok {
				continue
			}
			if diff := cmp.Diff(seen, pass.Snapshot); diff != "" {
				result = multierror.Append(result, fmt.Errorf("%s/%s snapshot changed (-was +now):\n%s", ctrl.ID(), key, diff))
			}
		}
	}
	return result.ErrorOrNil()
}

func scheduleOngoingDisjoint(v View, _ *History) error {
	var result *multierror.Error
	for _, ctrl := range v.Controllers() {
		for _, key := range ctrl.ScheduledKeys() {
			if _, ok := ctrl.OngoingEntry(key); ok {
				result = multierror.Append(result, fmt.Errorf("%s/%s is scheduled and ongoing", ctrl.ID(), key))
			}
		}
	}
	return result.ErrorOrNil()
}

func ownerRefsResolve(v View, _ *History) error {
	var result *multierror.Error
	store := v.Etcd()
	for _, obj := range store.All() {
		for _, ref := range obj.Metadata.OwnerReferences {
			owner, ok := store.GetByUID(ref.UID)
			if ok && owner.Ref() != ref.Ref() {
				result = multierror.Append(result, fmt.Errorf("%s: owner uid %d names %s, not %s", obj.Ref(), ref.UID, owner.Ref(), ref.Ref()))
			}
		}
	}
	return result.ErrorOrNil()
}

func isCreate(req *types.APIRequest) bool { return req.Op == types.OpCreate }

func isUpdate(req *types.APIRequest) bool {
	return (req.Op == types.OpUpdate || req.Op == types.OpGetThenUpdate) && req.Obj != nil
}

// windowed returns the controller API requests in flight whose rest id is at
// or above the watermark of the CR that sent them and which satisfy pred
func windowed(v View, pred func(*types.APIRequest) bool) []*types.Message {
	return v.Network().Filter(func(msg *types.Message) bool {
		req := msg.Content.APIRequest
		if msg.Src.Kind != types.HostController || req == nil || !pred(req) {
			return false
		}
		w, ok := v.Watermark(msg.Src.Key)
		return ok && msg.RestID >= w
	})
}

func atMostOnePerKind(v View, what string, pred func(*types.APIRequest) bool) error {
	type crKind struct {
		cr   types.ObjectRef
		kind types.Kind
	}
	var result *multierror.Error
	counts := make(map[crKind]int)
	for _, msg := range windowed(v, pred) {
		k := crKind{cr: msg.Src.Key, kind: msg.Content.APIRequest.TargetKind()}
		counts[k]++
		if counts[k] == 2 {
			result = multierror.Append(result, fmt.Errorf("%s has more than one %s of %s in flight", k.cr, what, k.kind))
		}
	}
	return result.ErrorOrNil()
}

func watermarkSingleCreate(v View, _ *History) error {
	return atMostOnePerKind(v, "create", isCreate)
}

func watermarkSingleUpdate(v View, _ *History) error {
	return atMostOnePerKind(v, "update", isUpdate)
}

func watermarkNoPlainDelete(v View, _ *History) error {
	var result *multierror.Error
	for _, msg := range windowed(v, func(req *types.APIRequest) bool { return req.Op == types.OpDelete }) {
		result = multierror.Append(result, fmt.Errorf("%s: unguarded delete from %s", msg, msg.Src.Key))
	}
	return result.ErrorOrNil()
}

func watermarkStableUpdate(v View, h *History) error {
	var result *multierror.Error
	for _, msg := range windowed(v, isUpdate) {
		req := msg.Content.APIRequest
		rec, ok := h.updates[updateKey{cr: msg.Src.Key, target: req.Key}]
		if !ok {
			continue
		}
		if w, _ := v.Watermark(msg.Src.Key); w != rec.watermark {
			continue
		}
		if !v.Codecs().SpecEqual(req.Key.Kind, rec.spec, req.Obj.Spec) {
			result = multierror.Append(result, fmt.Errorf("%s: update of %s changed spec since the watermark", msg, req.Key))
		}
	}
	return result.ErrorOrNil()
}

func controllerGuarantee(v View, _ *History) error {
	var result *multierror.Error
	footprints := make(map[string]rely.Footprint)
	for _, fp := range v.Footprints() {
		footprints[fp.ControllerID] = fp
	}
	for _, msg := range v.Network().Messages() {
		if msg.Src.Kind != types.HostController {
			continue
		}
		fp, ok := footprints[msg.Src.ControllerID]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%s: no footprint for %s", msg, msg.Src.ControllerID))
			continue
		}
		if err := rely.Guarantee(fp, msg, v.Etcd()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func builtinGuarantee(v View, _ *History) error {
	var result *multierror.Error
	store := v.Etcd()
	for _, msg := range v.Network().Messages() {
		if err := rely.PodMonkeyGuarantee(msg); err != nil {
			result = multierror.Append(result, err)
		}
		if err := rely.GCGuarantee(msg); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		req := msg.Content.APIRequest
		if msg.Src.Kind != types.HostBuiltin || req == nil {
			continue
		}
		if target, ok := store.Get(req.Key); ok && target.Metadata.UID == req.Preconditions.UID && !builtin.IsOrphan(store, target) {
			result = multierror.Append(result, fmt.Errorf("%s: garbage collector targets %s whose owner is alive", msg, req.Key))
		}
	}
	return result.ErrorOrNil()
}

// forEachPending calls fn for every ongoing pass that awaits a response
func forEachPending(v View, fn func(ctrl *reconciler.Controller, key types.ObjectRef, pass *reconciler.Ongoing)) {
	for _, ctrl := range v.Controllers() {
		for _, key := range ctrl.OngoingKeys() {
			pass, _ := ctrl.OngoingEntry(key)
			if pass.Pending != nil {
				fn(ctrl, key, pass)
			}
		}
	}
}
