package builtin

import (
	"testing"

	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, s *etcd.Store, kind types.Kind, name string, uid types.UID, owners ...types.OwnerReference) *types.Object {
	t.Helper()
	obj := &types.Object{Kind: kind, Metadata: types.Metadata{Name: name, Namespace: "ns1", UID: uid, OwnerReferences: owners}}
	require.NoError(t, s.Put(obj))
	return obj
}

func TestOrphans(t *testing.T) {
	s := etcd.NewStore()
	rs := put(t, s, types.KindVReplicaSet, "owner1", 10)
	live := rs.ControllerOwnerRef()
	gone := types.OwnerReference{Kind: types.KindVReplicaSet, Namespace: "ns1", Name: "owner2", UID: 123, Controller: true}
	// same name as a live owner but a stale uid
	recreated := types.OwnerReference{Kind: types.KindVReplicaSet, Namespace: "ns1", Name: "owner1", UID: 9}

	tests := []struct {
		name   string
		owners []types.OwnerReference
		orphan bool
	}{
		{"no owners", nil, false},
		{"live owner", []types.OwnerReference{live}, false},
		{"absent owner", []types.OwnerReference{gone}, true},
		{"stale uid", []types.OwnerReference{recreated}, true},
		{"one live of two", []types.OwnerReference{gone, live}, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := put(t, s, types.KindPod, tt.name, types.UID(100+i), tt.owners...)
			assert.Equal(t, tt.orphan, IsOrphan(s, obj))
		})
	}

	assert.Len(t, Orphans(s), 2)
}

func TestNextSkipsPendingDeletes(t *testing.T) {
	s := etcd.NewStore()
	gone := types.OwnerReference{Kind: types.KindVReplicaSet, Namespace: "ns1", Name: "owner", UID: 1, Controller: true}
	a := put(t, s, types.KindPod, "a", 20, gone)
	b := put(t, s, types.KindPod, "b", 21, gone)

	gc := NewGarbageCollector()

	req := gc.Next(s, nil)
	require.NotNil(t, req)
	assert.Equal(t, types.OpDelete, req.Op)
	assert.Equal(t, a.Ref(), req.Key)
	require.NotNil(t, req.Preconditions)
	assert.Equal(t, a.Metadata.UID, req.Preconditions.UID)

	inFlight := []*types.Message{{ID: 1, Src: types.BuiltinHost(), Dst: types.APIServerHost(), Content: types.Content{APIRequest: req}}}
	req = gc.Next(s, inFlight)
	require.NotNil(t, req)
	assert.Equal(t, b.Ref(), req.Key)

	inFlight = append(inFlight, &types.Message{ID: 2, Src: types.BuiltinHost(), Dst: types.APIServerHost(), Content: types.Content{APIRequest: req}})
	assert.Nil(t, gc.Next(s, inFlight))
}

func TestNextSkipsTerminatingOrphans(t *testing.T) {
	s := etcd.NewStore()
	gone := types.OwnerReference{Kind: types.KindVReplicaSet, Namespace: "ns1", Name: "owner", UID: 1, Controller: true}

	held := &types.Object{Kind: types.KindPod, Metadata: types.Metadata{Name: "held", Namespace: "ns1", UID: 30, OwnerReferences: []types.OwnerReference{gone}, Finalizers: []string{"example.com/hold"}}}
	ts := types.Timestamp(5)
	held.Metadata.DeletionTimestamp = &ts
	require.NoError(t, s.Put(held))

	gc := NewGarbageCollector()
	assert.Nil(t, gc.Next(s, nil))

	free := put(t, s, types.KindPod, "free", 31, gone)
	for i := 0; i < 3; i++ {
		req := gc.Next(s, nil)
		require.NotNil(t, req)
		assert.Equal(t, free.Ref(), req.Key)
	}
}
