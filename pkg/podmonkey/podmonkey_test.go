package podmonkey

import (
	"math/rand"
	"testing"

	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseOnlyCreatesWhenNoPods(t *testing.T) {
	m := New([]string{"t"})
	rng := rand.New(rand.NewSource(1))
	store := etcd.NewStore()

	for i := 0; i < 20; i++ {
		in, ok := m.Choose(rng, store)
		require.True(t, ok)
		assert.Equal(t, OpCreate, in.Op)
		assert.Equal(t, "t", in.Pod.Metadata.Namespace)
	}

	_, ok := New(nil).Choose(rng, store)
	assert.False(t, ok)
}

func TestRequestsOnlyTouchPods(t *testing.T) {
	m := New([]string{"t"})
	rng := rand.New(rand.NewSource(7))
	store := etcd.NewStore()
	require.NoError(t, store.Put(&types.Object{Kind: types.KindPod, Metadata: types.Metadata{Name: "p", Namespace: "t", UID: 1}}))

	seen := map[Op]bool{}
	for i := 0; i < 50; i++ {
		in, ok := m.Choose(rng, store)
		require.True(t, ok)
		seen[in.Op] = true

		req := m.Request(in)
		require.NotNil(t, req)
		assert.Equal(t, types.KindPod, req.TargetKind())

		msg := &types.Message{Src: types.PodMonkeyHost(), Dst: types.APIServerHost(), Content: types.Content{APIRequest: req}}
		assert.NoError(t, rely.PodMonkeyGuarantee(msg))
	}
	assert.True(t, seen[OpCreate])
	assert.True(t, seen[OpUpdate])
	assert.True(t, seen[OpDelete])
}

func TestUpdateLabelsPod(t *testing.T) {
	m := New([]string{"t"})
	pod := &types.Object{Kind: types.KindPod, Metadata: types.Metadata{Name: "p", Namespace: "t", UID: 3}}

	req := m.Request(Input{Op: OpUpdate, Pod: pod})
	assert.Equal(t, types.OpUpdate, req.Op)
	assert.Equal(t, "touched", req.Obj.Metadata.Labels[LabelKey])
	assert.Nil(t, pod.Metadata.Labels)

	assert.Nil(t, m.Request(Input{Op: "bogus", Pod: pod}))
}
