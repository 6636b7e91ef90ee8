package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/anvil/pkg/cluster"
	"github.com/cuemby/anvil/pkg/controllers/rabbitmq"
	"github.com/cuemby/anvil/pkg/controllers/simple"
	"github.com/cuemby/anvil/pkg/types"
)

var rmqKey = types.NewRef(types.KindRabbitmqCluster, "default", "mq")

func rabbitCR(replicas int) *types.Object {
	return &types.Object{
		Kind:     types.KindRabbitmqCluster,
		Metadata: types.Metadata{Namespace: "default", Name: "mq"},
		Spec:     types.MustSpec(rabbitmq.Spec{Replicas: replicas}),
	}
}

func newSim(t *testing.T, seed int64, faults cluster.Faults, faultRate float64) *Simulator {
	t.Helper()
	c, err := cluster.New(cluster.Options{
		Seed:    seed,
		Faults:  faults,
		Objects: []*types.Object{rabbitCR(3)},
	}, rabbitmq.New())
	require.NoError(t, err)

	s, err := New(c, Config{
		Seed:            seed,
		MaxTicks:        5000,
		StableTicks:     50,
		FaultRate:       faultRate,
		CheckInvariants: true,
	})
	require.NoError(t, err)
	return s
}

func stsReplicas(t *testing.T, c *cluster.Cluster) int {
	t.Helper()
	sts, ok := c.Etcd().Get(types.NewRef(types.KindStatefulSet, "default", "mq-server"))
	require.True(t, ok, "stateful set missing")
	var spec struct {
		Replicas int `json:"replicas"`
	}
	require.NoError(t, json.Unmarshal(sts.Spec, &spec))
	return spec.Replicas
}

func TestHappyCreate(t *testing.T) {
	s := newSim(t, 1, cluster.Faults{}, 0)

	res, err := s.RunUntilStable(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stable)
	assert.Empty(t, res.Mismatched)
	assert.NotEmpty(t, res.RunID)

	counts := s.Cluster().Etcd().CountByKind()
	assert.Equal(t, 2, counts[types.KindService])
	assert.Equal(t, 2, counts[types.KindSecret])
	assert.Equal(t, 1, counts[types.KindConfigMap])
	assert.Equal(t, 1, counts[types.KindStatefulSet])
	assert.Equal(t, 3, stsReplicas(t, s.Cluster()))
}

func TestStableClusterIsIdempotent(t *testing.T) {
	s := newSim(t, 2, cluster.Faults{}, 0)
	_, err := s.RunUntilStable(context.Background())
	require.NoError(t, err)

	before := s.Cluster().Etcd().All()
	_, err = s.Run(context.Background(), 300)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(before, s.Cluster().Etcd().All()))
}

func TestSpecEditConverges(t *testing.T) {
	s := newSim(t, 3, cluster.Faults{}, 0)
	_, err := s.RunUntilStable(context.Background())
	require.NoError(t, err)

	cr, ok := s.Cluster().Etcd().Get(rmqKey)
	require.True(t, ok)
	cr.Spec = types.MustSpec(rabbitmq.Spec{Replicas: 5})
	resp, err := s.Cluster().Submit(types.UpdateRequest(cr))
	require.NoError(t, err)
	require.True(t, resp.IsOK(), "update: %s", resp.Err)

	res, err := s.RunUntilStable(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stable)
	assert.Equal(t, 5, stsReplicas(t, s.Cluster()))
}

func TestFaultyRunsConverge(t *testing.T) {
	tests := []struct {
		name   string
		faults cluster.Faults
	}{
		{
			name:   "crash mid reconcile",
			faults: cluster.Faults{Crash: []string{rabbitmq.ControllerID}, Window: 40},
		},
		{
			name:   "busy api server",
			faults: cluster.Faults{Busy: true, Window: 40},
		},
		{
			name:   "dropped messages",
			faults: cluster.Faults{Drop: true, Window: 40},
		},
		{
			name:   "every fault",
			faults: cluster.Faults{Crash: []string{rabbitmq.ControllerID}, Drop: true, Busy: true, Window: 60},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, seed := range []int64{1, 7, 42} {
				s := newSim(t, seed, tt.faults, 0.3)
				res, err := s.RunUntilStable(context.Background())
				require.NoError(t, err, "seed %d", seed)
				assert.True(t, res.Stable)
				assert.False(t, s.Cluster().FaultsActive())
				assert.Equal(t, 3, stsReplicas(t, s.Cluster()))
			}
		})
	}
}

func findAction(c *cluster.Cluster, kind cluster.ActionKind) (cluster.Action, bool) {
	for _, a := range c.Enabled() {
		if a.Kind == kind {
			return a, true
		}
	}
	return cluster.Action{}, false
}

func TestStaleResponseAfterCrashIsIgnored(t *testing.T) {
	s := newSim(t, 5, cluster.Faults{Crash: []string{rabbitmq.ControllerID}}, 0)
	c := s.Cluster()

	// start a pass and let it send its first request
	for i := 0; i < 2; i++ {
		a, ok := findAction(c, cluster.ActionControllerStep)
		require.True(t, ok)
		require.NoError(t, c.Apply(a))
	}
	require.Equal(t, 1, c.Network().Len())
	stale := c.Network().Messages()[0]

	crash, ok := findAction(c, cluster.ActionCrashController)
	require.True(t, ok)
	require.NoError(t, c.Apply(crash))

	// the request outlives the crash and its answer arrives after restart
	serve, ok := findAction(c, cluster.ActionAPIServerStep)
	require.True(t, ok)
	require.NoError(t, c.Apply(serve))
	restart, ok := findAction(c, cluster.ActionRestartController)
	require.True(t, ok)
	require.NoError(t, c.Apply(restart))

	answer := c.Network().Filter(func(m *types.Message) bool { return m.Answers(stale) })
	require.Len(t, answer, 1)

	disable, ok := findAction(c, cluster.ActionDisableCrash)
	require.True(t, ok)
	require.NoError(t, c.Apply(disable))

	res, err := s.RunUntilStable(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stable)
	assert.False(t, c.Network().Contains(answer[0].ID))
}

func TestRunUntil(t *testing.T) {
	s := newSim(t, 9, cluster.Faults{}, 0)

	res, err := s.RunUntil(context.Background(), func(c *cluster.Cluster) bool {
		return c.Etcd().CountByKind()[types.KindSecret] == 2
	})
	require.NoError(t, err)
	assert.Greater(t, res.Applied, uint64(0))
}

func TestRunUntilHitsTickLimit(t *testing.T) {
	c, err := cluster.New(cluster.Options{Seed: 1}, simple.New())
	require.NoError(t, err)
	s, err := New(c, Config{MaxTicks: 20})
	require.NoError(t, err)

	_, err = s.RunUntil(context.Background(), func(*cluster.Cluster) bool { return false })
	assert.True(t, errors.Is(err, ErrMaxTicks) || errors.Is(err, ErrQuiescent), "got %v", err)
}

func TestRunHonoursContext(t *testing.T) {
	s := newSim(t, 1, cluster.Faults{}, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunIsDeterministic(t *testing.T) {
	trace := func() []cluster.Action {
		var actions []cluster.Action
		c, err := cluster.New(cluster.Options{
			Seed:    11,
			Objects: []*types.Object{rabbitCR(2)},
			Faults:  cluster.Faults{Crash: []string{rabbitmq.ControllerID}, Drop: true, Window: 30},
		}, rabbitmq.New())
		require.NoError(t, err)
		s, err := New(c, Config{
			Seed:      11,
			FaultRate: 0.3,
			OnTick:    func(_ uint64, a cluster.Action) { actions = append(actions, a) },
		})
		require.NoError(t, err)
		_, err = s.Run(context.Background(), 200)
		require.NoError(t, err)
		return actions
	}

	assert.Equal(t, trace(), trace())
}

func TestStartStop(t *testing.T) {
	c, err := cluster.New(cluster.Options{Seed: 3, Objects: []*types.Object{rabbitCR(1)}}, rabbitmq.New())
	require.NoError(t, err)
	s, err := New(c, Config{Seed: 3, StableTicks: 20, Interval: time.Millisecond, CheckInvariants: true})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	require.Eventually(t, s.Stable, 5*time.Second, 5*time.Millisecond)
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}
