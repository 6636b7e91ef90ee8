package reconciler

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/network"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/storage"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stepAfterGet    Step = "AfterGet"
	stepAfterCreate Step = "AfterCreate"
)

// mirror keeps one config map named after the CR
type mirror struct{}

func (mirror) Kind() types.Kind      { return types.KindSimpleCR }
func (mirror) Codec() types.Codec    { return types.RawCodec{} }
func (mirror) InitState() LocalState { return At(StepInit) }

func (mirror) ReconcileDone(s LocalState) bool  { return s.Step == StepDone }
func (mirror) ReconcileError(s LocalState) bool { return s.Step == StepError }

func mirrorKey(cr *types.Object) types.ObjectRef {
	return types.NewRef(types.KindConfigMap, cr.Metadata.Namespace, cr.Metadata.Name+"-cm")
}

func (mirror) ReconcileCore(cr *types.Object, resp *types.Response, s LocalState) (LocalState, *types.Request) {
	switch s.Step {
	case StepInit:
		return At(stepAfterGet), types.APIReq(types.GetRequest(mirrorKey(cr)))
	case stepAfterGet:
		if resp == nil || resp.API == nil {
			return At(StepError), nil
		}
		if resp.API.IsOK() {
			return At(StepDone), nil
		}
		if resp.API.Err != types.ErrNotFound {
			return At(StepError), nil
		}
		obj := &types.Object{Kind: types.KindConfigMap, Metadata: types.Metadata{Name: mirrorKey(cr).Name, Namespace: cr.Metadata.Namespace}, Spec: cr.Spec}
		return At(stepAfterCreate), types.APIReq(types.CreateRequest(obj))
	case stepAfterCreate:
		if resp != nil && resp.API != nil && resp.API.IsOK() {
			return At(StepDone), nil
		}
		return At(StepError), nil
	}
	return At(StepError), nil
}

func (mirror) IsCorrectPendingRequestAtStep(step Step, req *types.Request, cr *types.Object, _ Reader) bool {
	return req != nil && req.API != nil && req.API.Key == mirrorKey(cr)
}

func (mirror) CurrentStateMatches(cr *types.Object, reader Reader) bool {
	_, ok := reader.Get(mirrorKey(cr))
	return ok
}

func (mirror) Footprint() rely.Footprint {
	return rely.Footprint{ControllerID: "mirror", CRKind: types.KindSimpleCR, Managed: []rely.Managed{{Kind: types.KindConfigMap}}}
}

func (mirror) PhaseTable() []Phase {
	return []Phase{{Step: stepAfterGet, Pending: "Get(ConfigMap)"}, {Step: stepAfterCreate, Pending: "Create(ConfigMap)"}}
}

type fixture struct {
	ctrl  *Controller
	net   *network.Network
	alloc *types.Allocator
	etcd  *etcd.Store
	store storage.Store
	cr    *types.Object
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		net:   network.New(),
		alloc: types.NewAllocator(),
		etcd:  etcd.NewStore(),
		store: storage.NewMemoryStore(),
	}
	cfg.ID = "mirror"
	cfg.Store = f.store
	f.ctrl = NewController(cfg, mirror{}, f.alloc, f.net, f.etcd)

	f.cr = &types.Object{
		Kind:     types.KindSimpleCR,
		Metadata: types.Metadata{Name: "s", Namespace: "t", UID: types.UID(f.alloc.Next())},
		Spec:     json.RawMessage(`{"data":"x"}`),
	}
	require.NoError(t, f.etcd.Put(f.cr))
	return f
}

// reply answers the pending request of key with an API response
func (f *fixture) reply(t *testing.T, key types.ObjectRef, resp *types.APIResponse) *types.Message {
	t.Helper()
	pass, ok := f.ctrl.OngoingEntry(key)
	require.True(t, ok)
	require.NotNil(t, pass.Pending)

	req, err := f.net.Receive(pass.Pending.ID)
	require.NoError(t, err)
	resp.Op = req.Content.APIRequest.Op
	msg := &types.Message{
		ID:      types.MessageID(f.alloc.Next()),
		RestID:  req.RestID,
		Src:     req.Dst,
		Dst:     req.Src,
		Content: types.Content{APIResponse: resp},
	}
	require.NoError(t, f.net.Send(msg))
	return msg
}

func (f *fixture) deliver(t *testing.T, key types.ObjectRef, msg *types.Message, now uint64) StepResult {
	t.Helper()
	got, err := f.net.Receive(msg.ID)
	require.NoError(t, err)
	res, err := f.ctrl.Step(key, got, now)
	require.NoError(t, err)
	return res
}

func TestScheduleIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	key := f.cr.Ref()

	added, err := f.ctrl.Schedule(f.cr, 1)
	require.NoError(t, err)
	assert.True(t, added)

	edited := f.cr.DeepCopy()
	edited.Spec = json.RawMessage(`{"data":"y"}`)
	added, err = f.ctrl.Schedule(edited, 2)
	require.NoError(t, err)
	assert.False(t, added)

	entry, ok := f.ctrl.ScheduledEntry(key)
	require.True(t, ok)
	assert.JSONEq(t, `{"data":"y"}`, string(entry.Snapshot.Spec))
	assert.Equal(t, uint64(1), entry.NotBefore)

	recs, err := f.store.ListScheduled("mirror")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = f.ctrl.Schedule(&types.Object{Kind: types.KindPod, Metadata: types.Metadata{Name: "p", Namespace: "t"}}, 2)
	assert.Error(t, err)

	require.NoError(t, f.ctrl.Unschedule(key))
	assert.Empty(t, f.ctrl.ScheduledKeys())
}

func TestFullPass(t *testing.T) {
	f := newFixture(t, Config{})
	key := f.cr.Ref()

	_, err := f.ctrl.Schedule(f.cr, 1)
	require.NoError(t, err)
	assert.Equal(t, []types.ObjectRef{key}, f.ctrl.Startable(1))
	require.NoError(t, f.ctrl.Start(key, 2))

	// schedule is a no-op while a pass is ongoing
	added, err := f.ctrl.Schedule(f.cr, 2)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Empty(t, f.ctrl.ScheduledKeys())

	assert.Equal(t, []types.ObjectRef{key}, f.ctrl.Steppable())
	res, err := f.ctrl.Step(key, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeContinue, res.Outcome)
	assert.Equal(t, stepAfterGet, res.Step)
	require.NotNil(t, res.Sent)
	assert.Equal(t, f.ctrl.Host(key), res.Sent.Src)
	assert.True(t, f.net.Contains(res.Sent.ID))

	rec, err := f.store.GetOngoing("mirror", key)
	require.NoError(t, err)
	assert.Equal(t, res.Sent.RestID, rec.PendingRestID)

	_, err = f.ctrl.Step(key, nil, 3)
	assert.True(t, errors.Is(err, ErrAwaitingResponse))

	resp := f.reply(t, key, &types.APIResponse{Err: types.ErrNotFound})
	res = f.deliver(t, key, resp, 4)
	assert.Equal(t, stepAfterCreate, res.Step)
	require.NotNil(t, res.Sent)
	assert.Equal(t, types.OpCreate, res.Sent.Content.APIRequest.Op)

	resp = f.reply(t, key, &types.APIResponse{})
	res = f.deliver(t, key, resp, 5)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.False(t, res.Requeued)

	_, ok := f.ctrl.OngoingEntry(key)
	assert.False(t, ok)
	_, err = f.store.GetOngoing("mirror", key)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRequeueOnDone(t *testing.T) {
	f := newFixture(t, Config{RequeueOnDone: true})
	key := f.cr.Ref()

	_, _ = f.ctrl.Schedule(f.cr, 1)
	require.NoError(t, f.ctrl.Start(key, 1))
	_, err := f.ctrl.Step(key, nil, 2)
	require.NoError(t, err)
	res := f.deliver(t, key, f.reply(t, key, &types.APIResponse{}), 3)
	assert.Equal(t, OutcomeDone, res.Outcome)
	assert.True(t, res.Requeued)

	entry, ok := f.ctrl.ScheduledEntry(key)
	require.True(t, ok)
	assert.Equal(t, uint64(3), entry.NotBefore)
}

func TestErrorBacksOff(t *testing.T) {
	f := newFixture(t, Config{TickDuration: 10 * time.Millisecond, BaseDelay: 40 * time.Millisecond, MaxDelay: time.Second})
	key := f.cr.Ref()

	run := func(now uint64) StepResult {
		require.NoError(t, f.ctrl.Start(key, now))
		_, err := f.ctrl.Step(key, nil, now)
		require.NoError(t, err)
		return f.deliver(t, key, f.reply(t, key, &types.APIResponse{Err: types.ErrForbidden}), now)
	}

	_, _ = f.ctrl.Schedule(f.cr, 0)
	res := run(0)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.True(t, res.Requeued)
	entry, _ := f.ctrl.ScheduledEntry(key)
	assert.Equal(t, uint64(4), entry.NotBefore)
	assert.Empty(t, f.ctrl.Startable(3))

	res = run(4)
	assert.Equal(t, OutcomeError, res.Outcome)
	entry, _ = f.ctrl.ScheduledEntry(key)
	assert.Equal(t, uint64(12), entry.NotBefore)

	err := f.ctrl.Start(key, 5)
	assert.True(t, errors.Is(err, ErrNotScheduled))
}

func TestServerBusyRetries(t *testing.T) {
	f := newFixture(t, Config{})
	key := f.cr.Ref()

	_, _ = f.ctrl.Schedule(f.cr, 0)
	require.NoError(t, f.ctrl.Start(key, 0))
	first, err := f.ctrl.Step(key, nil, 1)
	require.NoError(t, err)

	res := f.deliver(t, key, f.reply(t, key, &types.APIResponse{Err: types.ErrServerBusy}), 2)
	assert.Equal(t, OutcomeRetried, res.Outcome)
	assert.Equal(t, stepAfterGet, res.Step)
	require.NotNil(t, res.Sent)
	assert.Greater(t, res.Sent.RestID, first.Sent.RestID)
	assert.Equal(t, first.Sent.Content.APIRequest.Key, res.Sent.Content.APIRequest.Key)

	pass, _ := f.ctrl.OngoingEntry(key)
	assert.Equal(t, stepAfterGet, pass.State.Step)
	assert.Equal(t, res.Sent.RestID, pass.Pending.RestID)
}

func TestStaleResponseIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	key := f.cr.Ref()

	_, _ = f.ctrl.Schedule(f.cr, 0)
	require.NoError(t, f.ctrl.Start(key, 0))
	_, err := f.ctrl.Step(key, nil, 1)
	require.NoError(t, err)
	pass, _ := f.ctrl.OngoingEntry(key)

	stale := &types.Message{
		ID:      types.MessageID(f.alloc.Next()),
		RestID:  pass.Pending.RestID - 1,
		Src:     types.APIServerHost(),
		Dst:     f.ctrl.Host(key),
		Content: types.Content{APIResponse: &types.APIResponse{Op: types.OpGet}},
	}
	_, err = f.ctrl.Step(key, stale, 2)
	assert.True(t, errors.Is(err, ErrStaleResponse))

	after, _ := f.ctrl.OngoingEntry(key)
	assert.Equal(t, stepAfterGet, after.State.Step)
	assert.Equal(t, pass.Pending.RestID, after.Pending.RestID)

	_, err = f.ctrl.Step(types.NewRef(types.KindSimpleCR, "t", "other"), stale, 2)
	assert.True(t, errors.Is(err, ErrStaleResponse))
	_, err = f.ctrl.Step(types.NewRef(types.KindSimpleCR, "t", "other"), nil, 2)
	assert.True(t, errors.Is(err, ErrNotOngoing))
}

func TestTimeoutAfterDrop(t *testing.T) {
	f := newFixture(t, Config{})
	key := f.cr.Ref()

	_, _ = f.ctrl.Schedule(f.cr, 0)
	require.NoError(t, f.ctrl.Start(key, 0))
	res, err := f.ctrl.Step(key, nil, 1)
	require.NoError(t, err)

	assert.Empty(t, f.ctrl.TimedOut())
	_, err = f.ctrl.Timeout(key, 2)
	assert.Error(t, err)

	_, err = f.net.Drop(res.Sent.ID)
	require.NoError(t, err)
	assert.Equal(t, []types.ObjectRef{key}, f.ctrl.TimedOut())

	res, err = f.ctrl.Timeout(key, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, res.Outcome)
	assert.True(t, res.Requeued)
	_, ok := f.ctrl.ScheduledEntry(key)
	assert.True(t, ok)
}

func TestCrashAndRecover(t *testing.T) {
	f := newFixture(t, Config{})
	key := f.cr.Ref()

	_, _ = f.ctrl.Schedule(f.cr, 0)
	require.NoError(t, f.ctrl.Start(key, 0))
	res, err := f.ctrl.Step(key, nil, 1)
	require.NoError(t, err)

	f.ctrl.Crash()
	assert.True(t, f.ctrl.Crashed())
	assert.Empty(t, f.ctrl.OngoingKeys())
	assert.Empty(t, f.ctrl.Steppable())
	_, err = f.ctrl.Schedule(f.cr, 2)
	assert.True(t, errors.Is(err, ErrCrashed))

	n, err := f.ctrl.Recover(3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.ctrl.Crashed())
	assert.Equal(t, []types.ObjectRef{key}, f.ctrl.ScheduledKeys())

	ongoing, err := f.store.ListOngoing("mirror")
	require.NoError(t, err)
	assert.Empty(t, ongoing)

	// the old request is answered later and ignored
	req, err := f.net.Receive(res.Sent.ID)
	require.NoError(t, err)
	old := &types.Message{
		ID:      types.MessageID(f.alloc.Next()),
		RestID:  req.RestID,
		Src:     req.Dst,
		Dst:     req.Src,
		Content: types.Content{APIResponse: &types.APIResponse{Op: types.OpGet}},
	}
	require.NoError(t, f.ctrl.Start(key, 4))
	_, err = f.ctrl.Step(key, nil, 4)
	require.NoError(t, err)
	_, err = f.ctrl.Step(key, old, 5)
	assert.True(t, errors.Is(err, ErrStaleResponse))
}

func TestRecoverDropsDeletedCR(t *testing.T) {
	f := newFixture(t, Config{})
	key := f.cr.Ref()

	_, _ = f.ctrl.Schedule(f.cr, 0)
	f.ctrl.Crash()
	require.NoError(t, f.etcd.Delete(key))

	n, err := f.ctrl.Recover(1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	recs, err := f.store.ListScheduled("mirror")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReconcileCoreIsDeterministic(t *testing.T) {
	r := mirror{}
	cr := &types.Object{Kind: types.KindSimpleCR, Metadata: types.Metadata{Name: "s", Namespace: "t"}, Spec: json.RawMessage(`{}`)}
	resp := &types.Response{API: &types.APIResponse{Op: types.OpGet, Err: types.ErrNotFound}}

	s1, r1 := r.ReconcileCore(cr, resp, At(stepAfterGet))
	s2, r2 := r.ReconcileCore(cr, resp, At(stepAfterGet))
	assert.Equal(t, s1, s2)
	assert.Equal(t, r1, r2)
}

func TestLocalStateScratch(t *testing.T) {
	s := WithScratch(stepAfterGet, map[string]int{"n": 2})
	var out map[string]int
	require.NoError(t, s.DecodeScratch(&out))
	assert.Equal(t, 2, out["n"])
	assert.Error(t, At(StepInit).DecodeScratch(&out))
}
