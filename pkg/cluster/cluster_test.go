package cluster

import (
	"errors"
	"testing"

	"github.com/cuemby/anvil/pkg/controllers/simple"
	"github.com/cuemby/anvil/pkg/controllers/zookeeper"
	"github.com/cuemby/anvil/pkg/events"
	"github.com/cuemby/anvil/pkg/external"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	crKey = types.NewRef(types.KindSimpleCR, "default", "demo")
	cmKey = types.NewRef(types.KindConfigMap, "default", "demo-cm")
)

func simpleCR(data map[string]string) *types.Object {
	return &types.Object{
		Kind:     types.KindSimpleCR,
		Metadata: types.Metadata{Namespace: "default", Name: "demo"},
		Spec:     types.MustSpec(simple.Spec{Data: data}),
	}
}

func newCluster(t *testing.T, opts Options) *Cluster {
	t.Helper()
	c, err := New(opts, simple.New())
	require.NoError(t, err)
	return c
}

// find returns the first enabled action of kind matching pred
func find(c *Cluster, kind ActionKind, pred func(Action) bool) (Action, bool) {
	for _, a := range c.Enabled() {
		if a.Kind == kind && (pred == nil || pred(a)) {
			return a, true
		}
	}
	return Action{}, false
}

func apply(t *testing.T, c *Cluster, kind ActionKind, pred func(Action) bool) Action {
	t.Helper()
	a, ok := find(c, kind, pred)
	require.True(t, ok, "no enabled %s among %v", kind, c.Enabled())
	require.NoError(t, c.Apply(a))
	return a
}

// drain applies progress actions until none but scheduling is enabled
func drain(t *testing.T, c *Cluster) {
	t.Helper()
	kinds := []ActionKind{ActionAPIServerStep, ActionExternalStep, ActionControllerStep, ActionBuiltinControllerStep}
	for i := 0; i < 200; i++ {
		progressed := false
		for _, kind := range kinds {
			if a, ok := find(c, kind, nil); ok {
				require.NoError(t, c.Apply(a))
				progressed = true
				break
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("cluster did not quiesce")
}

func TestNewRejectsConflictingControllers(t *testing.T) {
	_, err := New(Options{}, simple.New(), simple.New())
	assert.ErrorContains(t, err, "admission")

	_, err = New(Options{Faults: Faults{Crash: []string{"nope"}}}, simple.New())
	assert.True(t, errors.Is(err, ErrUnknownController))

	_, err = New(Options{Objects: []*types.Object{{Kind: types.KindSimpleCR, Metadata: types.Metadata{Namespace: "default", Name: "bad"}, Spec: []byte(`{"bogus":1}`)}}}, simple.New())
	assert.Error(t, err)
}

func TestSubmitSchedulesAndWatermarks(t *testing.T) {
	c := newCluster(t, Options{})

	resp, err := c.Submit(types.CreateRequest(simpleCR(nil)))
	require.NoError(t, err)
	require.True(t, resp.IsOK())

	ctrl, ok := c.Controller(simple.ControllerID)
	require.True(t, ok)
	assert.Equal(t, []types.ObjectRef{crKey}, ctrl.ScheduledKeys())

	w, ok := c.Watermark(crKey)
	require.True(t, ok)
	assert.Equal(t, types.RestID(c.Allocator().Counter()), w)

	// an edit refreshes the scheduled snapshot
	edited := resp.Obj.DeepCopy()
	edited.Spec = types.MustSpec(simple.Spec{Data: map[string]string{"k": "v"}})
	_, err = c.Submit(types.UpdateRequest(edited))
	require.NoError(t, err)
	entry, _ := ctrl.ScheduledEntry(crKey)
	assert.JSONEq(t, `{"data":{"k":"v"}}`, string(entry.Snapshot.Spec))

	// deletion unschedules and forgets the watermark
	_, err = c.Submit(types.DeleteRequest(crKey))
	require.NoError(t, err)
	assert.Empty(t, ctrl.ScheduledKeys())
	_, ok = c.Watermark(crKey)
	assert.False(t, ok)
}

func TestApplyRejectsDisabledAction(t *testing.T) {
	c := newCluster(t, Options{})
	err := c.Apply(Action{Kind: ActionAPIServerStep, MessageID: 999})
	assert.True(t, errors.Is(err, ErrActionNotEnabled))

	err = c.Apply(Action{Kind: ActionDisableBusy})
	assert.True(t, errors.Is(err, ErrActionNotEnabled))
	assert.Equal(t, uint64(0), c.Tick())
}

func TestPassCreatesConfigMap(t *testing.T) {
	c := newCluster(t, Options{Objects: []*types.Object{simpleCR(map[string]string{"a": "1"})}})

	drain(t, c)

	cm, ok := c.Etcd().Get(cmKey)
	require.True(t, ok)
	assert.JSONEq(t, `{"data":{"a":"1"}}`, string(cm.Spec))
	assert.Equal(t, 0, c.Network().Len())

	ctrl, _ := c.Controller(simple.ControllerID)
	assert.Empty(t, ctrl.OngoingKeys())

	// the CR is level-triggered: it can always be scheduled again
	a, ok := find(c, ActionScheduleControllerReconcile, nil)
	require.True(t, ok)
	assert.Equal(t, crKey, a.Key)
}

func TestBusyServerRetriesWithFreshRestID(t *testing.T) {
	c := newCluster(t, Options{
		Objects: []*types.Object{simpleCR(nil)},
		Faults:  Faults{Busy: true, Window: 100},
	})
	ctrl, _ := c.Controller(simple.ControllerID)

	apply(t, c, ActionControllerStep, nil) // start
	apply(t, c, ActionControllerStep, nil) // send Get
	pass, _ := ctrl.OngoingEntry(crKey)
	first := pass.Pending.RestID

	apply(t, c, ActionAPIServerStep, nil)
	apply(t, c, ActionControllerStep, func(a Action) bool { return a.MessageID != 0 })

	pass, _ = ctrl.OngoingEntry(crKey)
	require.NotNil(t, pass.Pending)
	assert.Greater(t, pass.Pending.RestID, first)
	assert.Equal(t, types.OpGet, pass.Pending.Content.APIRequest.Op)
	assert.Equal(t, simple.StepAfterGetConfigMap, pass.State.Step)

	_, ok := find(c, ActionDisableBusy, nil)
	assert.False(t, ok, "busy cannot be disabled inside the fault window")
	assert.True(t, c.FaultsActive())
}

func TestDisableBusyAfterWindow(t *testing.T) {
	c := newCluster(t, Options{
		Objects: []*types.Object{simpleCR(nil)},
		Faults:  Faults{Busy: true},
	})
	apply(t, c, ActionDisableBusy, nil)
	assert.False(t, c.APIServer().Busy())
	assert.False(t, c.FaultsActive())

	drain(t, c)
	_, ok := c.Etcd().Get(cmKey)
	assert.True(t, ok)
}

func TestDroppedRequestTimesOut(t *testing.T) {
	c := newCluster(t, Options{
		Objects: []*types.Object{simpleCR(nil)},
		Faults:  Faults{Drop: true, Window: 100},
	})
	ctrl, _ := c.Controller(simple.ControllerID)

	apply(t, c, ActionControllerStep, nil)
	apply(t, c, ActionControllerStep, nil)
	pass, _ := ctrl.OngoingEntry(crKey)
	lost := pass.Pending

	apply(t, c, ActionDropMessage, func(a Action) bool { return a.MessageID == lost.ID })
	assert.True(t, c.Network().WasDropped(lost.RestID))
	_, ok := c.Watermark(crKey)
	assert.True(t, ok)

	apply(t, c, ActionControllerStep, func(a Action) bool { return a.Key == crKey && a.MessageID == 0 })
	assert.Empty(t, ctrl.OngoingKeys())
	entry, ok := ctrl.ScheduledEntry(crKey)
	require.True(t, ok, "a timed out pass is requeued")
	assert.Greater(t, entry.NotBefore, c.Tick()-1)
}

func TestCrashAndRestart(t *testing.T) {
	c := newCluster(t, Options{
		Objects: []*types.Object{simpleCR(nil)},
		Faults:  Faults{Crash: []string{simple.ControllerID}, Window: 100},
	})
	ctrl, _ := c.Controller(simple.ControllerID)

	apply(t, c, ActionControllerStep, nil)
	apply(t, c, ActionControllerStep, nil)
	apply(t, c, ActionCrashController, nil)
	assert.True(t, ctrl.Crashed())
	_, ok := c.Watermark(crKey)
	assert.False(t, ok, "watermarks of a crashed controller wait for its requests to drain")

	_, ok = find(c, ActionControllerStep, nil)
	assert.False(t, ok)
	_, ok = find(c, ActionScheduleControllerReconcile, nil)
	assert.False(t, ok)

	// the request of the aborted pass is still served
	apply(t, c, ActionAPIServerStep, nil)
	require.Equal(t, 1, c.Network().Len())

	apply(t, c, ActionRestartController, nil)
	assert.False(t, ctrl.Crashed())
	assert.Equal(t, []types.ObjectRef{crKey}, ctrl.ScheduledKeys())

	drain(t, c)
	_, ok = c.Etcd().Get(cmKey)
	assert.True(t, ok)
	_, ok = c.Watermark(crKey)
	assert.True(t, ok)
}

func TestStaleResponseIsIgnored(t *testing.T) {
	c := newCluster(t, Options{Objects: []*types.Object{simpleCR(nil)}})
	ctrl, _ := c.Controller(simple.ControllerID)

	msg, err := c.Inject(types.APIServerHost(), ctrl.Host(crKey), 12345, types.Content{
		APIResponse: &types.APIResponse{Op: types.OpGet, Err: types.ErrNotFound},
	})
	require.NoError(t, err)

	apply(t, c, ActionControllerStep, func(a Action) bool { return a.MessageID == msg.ID })
	assert.False(t, c.Network().Contains(msg.ID))
	assert.Equal(t, []types.ObjectRef{crKey}, ctrl.ScheduledKeys())
}

func TestExternalRequestsAreServed(t *testing.T) {
	cr := &types.Object{
		Kind:     types.KindZookeeperCluster,
		Metadata: types.Metadata{Namespace: "default", Name: "zk"},
		Spec:     types.MustSpec(zookeeper.Spec{Replicas: 3}),
	}
	c, err := New(Options{Objects: []*types.Object{cr}}, zookeeper.New())
	require.NoError(t, err)

	drain(t, c)

	model, ok := c.External(zookeeper.ControllerID)
	require.True(t, ok)
	data, _, ok := model.(*external.ZooKeeper).Node("/zookeeper-operator/default/zk")
	require.True(t, ok)
	assert.Equal(t, "CLUSTER_SIZE=3", data)
}

func TestStepIsDeterministic(t *testing.T) {
	run := func() []Action {
		c := newCluster(t, Options{
			Seed:    7,
			Objects: []*types.Object{simpleCR(map[string]string{"x": "y"})},
			Faults:  Faults{Drop: true, Crash: []string{simple.ControllerID}, Window: 20},
		})
		ch := NewChooser(7, 10, 0.2)
		var out []Action
		for i := 0; i < 150; i++ {
			a, err := c.Step(ch)
			require.NoError(t, err)
			out = append(out, a)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestEventsArePublished(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	c := newCluster(t, Options{Broker: broker})
	_, err := c.Submit(types.CreateRequest(simpleCR(nil)))
	require.NoError(t, err)

	seen := map[events.EventType]bool{}
	for len(seen) < 2 {
		ev := <-sub
		seen[ev.Type] = true
	}
	assert.True(t, seen[events.EventObjectAdded])
	assert.True(t, seen[events.EventReconcileScheduled])
}

func TestMetricsSnapshot(t *testing.T) {
	c := newCluster(t, Options{
		Objects: []*types.Object{simpleCR(nil)},
		Faults:  Faults{Crash: []string{simple.ControllerID}},
	})
	snap := c.MetricsSnapshot()
	assert.Equal(t, uint64(0), snap.Tick)
	assert.Equal(t, 1, snap.ObjectsByKind[string(types.KindSimpleCR)])
	assert.Equal(t, 1, snap.Scheduled[simple.ControllerID])
	assert.True(t, snap.Faults["crash/"+simple.ControllerID])
	assert.False(t, snap.Crashed[simple.ControllerID])
}
