package apiserver

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widgetSpec struct {
	Replicas int               `json:"replicas"`
	Env      map[string]string `json:"env,omitempty"`
}

func (w widgetSpec) Validate() error {
	if w.Replicas < 0 {
		return errors.New("replicas must not be negative")
	}
	return nil
}

func widget(name string, spec string) *types.Object {
	return &types.Object{
		Kind:     types.KindSimpleCR,
		Metadata: types.Metadata{Name: name, Namespace: "t"},
		Spec:     json.RawMessage(spec),
	}
}

func newTestServer() (*Server, *etcd.Store) {
	store := etcd.NewStore()
	codecs := types.NewRegistry()
	codecs.Register(types.KindSimpleCR, types.JSONCodec[widgetSpec]{})
	codecs.Register(types.KindVReplicaSet, types.RawCodec{})
	return New(store, codecs, types.NewAllocator()), store
}

func cm(name string, spec string) *types.Object {
	return &types.Object{
		Kind:     types.KindConfigMap,
		Metadata: types.Metadata{Name: name, Namespace: "t"},
		Spec:     json.RawMessage(spec),
	}
}

func mustCreate(t *testing.T, s *Server, obj *types.Object) *types.Object {
	t.Helper()
	resp, events := s.Handle(types.CreateRequest(obj), 0)
	require.True(t, resp.IsOK(), "create failed: %s", resp.Err)
	require.Len(t, events, 1)
	return resp.Obj
}

func TestCreate(t *testing.T) {
	s, store := newTestServer()

	created := mustCreate(t, s, cm("a", `{"x":1}`))
	assert.NotZero(t, created.Metadata.UID)
	assert.NotZero(t, created.Metadata.ResourceVersion)
	assert.Equal(t, 1, store.Len())

	resp, events := s.Handle(types.CreateRequest(cm("a", `{"x":2}`)), 0)
	assert.Equal(t, types.ErrAlreadyExists, resp.Err)
	assert.Empty(t, events)

	other := mustCreate(t, s, cm("b", `{}`))
	assert.Greater(t, other.Metadata.UID, created.Metadata.UID)
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestServer()

	tests := []struct {
		name string
		obj  *types.Object
	}{
		{"unknown kind", &types.Object{Kind: "Bogus", Metadata: types.Metadata{Name: "x", Namespace: "t"}}},
		{"no name", &types.Object{Kind: types.KindConfigMap, Metadata: types.Metadata{Namespace: "t"}}},
		{"bad spec", &types.Object{Kind: types.KindSimpleCR, Metadata: types.Metadata{Name: "x", Namespace: "t"}, Spec: json.RawMessage(`{"unknown":1}`)}},
		{"two controllers", &types.Object{Kind: types.KindPod, Metadata: types.Metadata{Name: "x", Namespace: "t", OwnerReferences: []types.OwnerReference{
			{Kind: types.KindVReplicaSet, Namespace: "t", Name: "a", UID: 1, Controller: true},
			{Kind: types.KindVReplicaSet, Namespace: "t", Name: "b", UID: 2, Controller: true},
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, events := s.Handle(types.CreateRequest(tt.obj), 0)
			assert.Equal(t, types.ErrInvalid, resp.Err)
			assert.Empty(t, events)
		})
	}

	mismatched := cm("x", `{}`)
	req := types.CreateRequest(mismatched)
	req.Namespace = "other"
	resp, _ := s.Handle(req, 0)
	assert.Equal(t, types.ErrInvalid, resp.Err)
}

func TestCreateGenerateName(t *testing.T) {
	s, _ := newTestServer()

	pod := &types.Object{Kind: types.KindPod, Metadata: types.Metadata{GenerateName: "web-", Namespace: "t"}}
	first := mustCreate(t, s, pod)
	second := mustCreate(t, s, pod)

	assert.Regexp(t, `^web-[0-9a-z]+$`, first.Metadata.Name)
	assert.NotEqual(t, first.Metadata.Name, second.Metadata.Name)
}

func TestUpdate(t *testing.T) {
	s, store := newTestServer()
	created := mustCreate(t, s, cm("a", `{"x":1}`))

	t.Run("missing", func(t *testing.T) {
		resp, _ := s.Handle(types.UpdateRequest(cm("nope", `{}`)), 0)
		assert.Equal(t, types.ErrNotFound, resp.Err)
	})

	t.Run("uid mismatch", func(t *testing.T) {
		obj := created.DeepCopy()
		obj.Metadata.UID++
		resp, _ := s.Handle(types.UpdateRequest(obj), 0)
		assert.Equal(t, types.ErrConflict, resp.Err)
	})

	t.Run("key mismatch", func(t *testing.T) {
		req := types.UpdateRequest(created.DeepCopy())
		req.Key.Name = "b"
		resp, _ := s.Handle(req, 0)
		assert.Equal(t, types.ErrInvalid, resp.Err)
	})

	t.Run("changes spec and keeps uid", func(t *testing.T) {
		obj := created.DeepCopy()
		obj.Spec = json.RawMessage(`{"x":2}`)
		resp, events := s.Handle(types.UpdateRequest(obj), 0)
		require.True(t, resp.IsOK())
		require.Len(t, events, 1)
		assert.Equal(t, Modified, events[0].Type)
		assert.Equal(t, created.Metadata.UID, resp.Obj.Metadata.UID)
		assert.Greater(t, resp.Obj.Metadata.ResourceVersion, created.Metadata.ResourceVersion)

		stored, _ := store.Get(created.Ref())
		assert.JSONEq(t, `{"x":2}`, string(stored.Spec))
	})

	t.Run("stale resource version", func(t *testing.T) {
		obj := created.DeepCopy()
		obj.Spec = json.RawMessage(`{"x":3}`)
		resp, _ := s.Handle(types.UpdateRequest(obj), 0)
		assert.Equal(t, types.ErrConflict, resp.Err)
	})
}

func TestSpecValidation(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"negative replicas", `{"replicas":-1}`},
		{"unknown field", `{"replicas":1,"size":2}`},
		{"wrong type", `{"replicas":"three"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestServer()

			resp, events := s.Handle(types.CreateRequest(widget("w", tt.spec)), 0)
			assert.Equal(t, types.ErrInvalid, resp.Err)
			assert.Empty(t, events)
			assert.Equal(t, 0, store.Len())

			created := mustCreate(t, s, widget("w", `{"replicas":2}`))
			obj := created.DeepCopy()
			obj.Spec = json.RawMessage(tt.spec)
			resp, events = s.Handle(types.UpdateRequest(obj), 0)
			assert.Equal(t, types.ErrInvalid, resp.Err)
			assert.Empty(t, events)

			stored, _ := store.Get(created.Ref())
			assert.JSONEq(t, `{"replicas":2}`, string(stored.Spec))
		})
	}
}

func TestUpdateWithoutUIDOrVersion(t *testing.T) {
	s, store := newTestServer()
	created := mustCreate(t, s, cm("a", `{"x":1}`))

	// zero uid and resource version skip their conflict checks
	resp, events := s.Handle(types.UpdateRequest(cm("a", `{"x":2}`)), 0)
	require.True(t, resp.IsOK())
	require.Len(t, events, 1)
	assert.Equal(t, created.Metadata.UID, resp.Obj.Metadata.UID)

	stored, _ := store.Get(created.Ref())
	assert.JSONEq(t, `{"x":2}`, string(stored.Spec))

	stale := cm("a", `{"x":3}`)
	stale.Metadata.UID = created.Metadata.UID + 1
	resp, _ = s.Handle(types.UpdateRequest(stale), 0)
	assert.Equal(t, types.ErrConflict, resp.Err)
}

func TestUpdateNoop(t *testing.T) {
	s, store := newTestServer()
	created := mustCreate(t, s, cm("a", `{"x":1,"y":[1,2]}`))

	obj := created.DeepCopy()
	obj.Spec = json.RawMessage(`{ "y": [1, 2], "x": 1 }`)
	resp, events := s.Handle(types.UpdateRequest(obj), 0)
	require.True(t, resp.IsOK())
	assert.Empty(t, events)

	stored, _ := store.Get(created.Ref())
	assert.Equal(t, created.Metadata.ResourceVersion, stored.Metadata.ResourceVersion)
	assert.Equal(t, created.Metadata.UID, stored.Metadata.UID)
}

func TestGetThenUpdateAndDelete(t *testing.T) {
	s, store := newTestServer()
	owner := mustCreate(t, s, &types.Object{Kind: types.KindVReplicaSet, Metadata: types.Metadata{Name: "rs", Namespace: "t"}, Spec: json.RawMessage(`{}`)})
	ownerRef := owner.ControllerOwnerRef()

	pod := &types.Object{Kind: types.KindPod, Metadata: types.Metadata{Name: "p", Namespace: "t", OwnerReferences: []types.OwnerReference{ownerRef}}, Spec: json.RawMessage(`{"image":"a"}`)}
	mustCreate(t, s, pod)

	stranger := ownerRef
	stranger.UID++

	update := pod.DeepCopy()
	update.Spec = json.RawMessage(`{"image":"b"}`)

	resp, _ := s.Handle(types.GetThenUpdateRequest(update, stranger), 0)
	assert.Equal(t, types.ErrForbidden, resp.Err)

	notController := ownerRef
	notController.Controller = false
	resp, _ = s.Handle(types.GetThenUpdateRequest(update, notController), 0)
	assert.Equal(t, types.ErrForbidden, resp.Err)

	resp, events := s.Handle(types.GetThenUpdateRequest(update, ownerRef), 0)
	require.True(t, resp.IsOK())
	assert.Len(t, events, 1)

	missing := update.DeepCopy()
	missing.Metadata.Name = "gone"
	resp, _ = s.Handle(types.GetThenUpdateRequest(missing, ownerRef), 0)
	assert.Equal(t, types.ErrNotFound, resp.Err)

	resp, _ = s.Handle(types.GetThenDeleteRequest(pod.Ref(), stranger), 0)
	assert.Equal(t, types.ErrForbidden, resp.Err)

	resp, events = s.Handle(types.GetThenDeleteRequest(pod.Ref(), ownerRef), 0)
	require.True(t, resp.IsOK())
	require.Len(t, events, 1)
	assert.Equal(t, Deleted, events[0].Type)
	_, exists := store.Get(pod.Ref())
	assert.False(t, exists)

	resp, _ = s.Handle(types.GetThenDeleteRequest(pod.Ref(), ownerRef), 0)
	assert.Equal(t, types.ErrNotFound, resp.Err)
}

func TestDelete(t *testing.T) {
	s, store := newTestServer()
	created := mustCreate(t, s, cm("a", `{}`))

	resp, events := s.Handle(&types.APIRequest{Op: types.OpDelete, Key: created.Ref(), Preconditions: &types.Preconditions{UID: created.Metadata.UID + 1}}, 0)
	assert.Equal(t, types.ErrConflict, resp.Err)
	assert.Empty(t, events)

	resp, events = s.Handle(types.DeleteRequest(created.Ref()), 0)
	require.True(t, resp.IsOK())
	assert.Len(t, events, 1)
	assert.Equal(t, 0, store.Len())

	resp, events = s.Handle(types.DeleteRequest(created.Ref()), 0)
	assert.True(t, resp.IsOK())
	assert.Nil(t, resp.Obj)
	assert.Empty(t, events)
}

func TestDeleteWithFinalizers(t *testing.T) {
	s, store := newTestServer()
	obj := cm("a", `{}`)
	obj.Metadata.Finalizers = []string{"anvil.dev/protect"}
	created := mustCreate(t, s, obj)

	resp, events := s.Handle(types.DeleteRequest(created.Ref()), 42)
	require.True(t, resp.IsOK())
	require.Len(t, events, 1)
	assert.Equal(t, Modified, events[0].Type)

	stored, exists := store.Get(created.Ref())
	require.True(t, exists)
	require.NotNil(t, stored.Metadata.DeletionTimestamp)
	assert.Equal(t, types.Timestamp(42), *stored.Metadata.DeletionTimestamp)

	resp, events = s.Handle(types.DeleteRequest(created.Ref()), 50)
	assert.True(t, resp.IsOK())
	assert.Empty(t, events)

	stored.Metadata.Finalizers = nil
	resp, events = s.Handle(types.UpdateRequest(stored), 60)
	require.True(t, resp.IsOK())
	require.Len(t, events, 1)
	assert.Equal(t, Deleted, events[0].Type)
	assert.Equal(t, 0, store.Len())
}

func TestGetAndList(t *testing.T) {
	s, _ := newTestServer()
	a := cm("a", `{}`)
	a.Metadata.Labels = map[string]string{"app": "web", "tier": "front"}
	b := cm("b", `{}`)
	b.Metadata.Labels = map[string]string{"app": "db"}
	mustCreate(t, s, a)
	mustCreate(t, s, b)

	resp, _ := s.Handle(types.GetRequest(a.Ref()), 0)
	require.True(t, resp.IsOK())
	assert.Equal(t, "a", resp.Obj.Metadata.Name)

	resp, _ = s.Handle(types.GetRequest(types.NewRef(types.KindConfigMap, "t", "zzz")), 0)
	assert.Equal(t, types.ErrNotFound, resp.Err)

	resp, _ = s.Handle(types.ListRequest(types.KindConfigMap, "t", ""), 0)
	require.True(t, resp.IsOK())
	assert.Len(t, resp.Objs, 2)

	resp, _ = s.Handle(types.ListRequest(types.KindConfigMap, "t", "app=web"), 0)
	require.Len(t, resp.Objs, 1)
	assert.Equal(t, "a", resp.Objs[0].Metadata.Name)

	resp, _ = s.Handle(types.ListRequest(types.KindConfigMap, "t", "app in (web,db),tier!=front"), 0)
	require.Len(t, resp.Objs, 1)
	assert.Equal(t, "b", resp.Objs[0].Metadata.Name)

	resp, _ = s.Handle(types.ListRequest(types.KindConfigMap, "t", "app in (web"), 0)
	assert.Equal(t, types.ErrInvalid, resp.Err)

	resp, _ = s.Handle(types.ListRequest("Bogus", "t", ""), 0)
	assert.Equal(t, types.ErrInvalid, resp.Err)
}

func TestBusy(t *testing.T) {
	s, store := newTestServer()
	s.SetBusy(true)
	assert.True(t, s.Busy())

	resp, events := s.Handle(types.CreateRequest(cm("a", `{}`)), 0)
	assert.Equal(t, types.ErrServerBusy, resp.Err)
	assert.Empty(t, events)
	assert.Equal(t, 0, store.Len())

	resp, _ = s.Handle(types.GetRequest(types.NewRef(types.KindConfigMap, "t", "a")), 0)
	assert.Equal(t, types.ErrServerBusy, resp.Err)

	s.SetBusy(false)
	mustCreate(t, s, cm("a", `{}`))
}

func TestEligible(t *testing.T) {
	key := types.NewRef(types.KindConfigMap, "t", "a")
	msg := func(id uint64, req *types.APIRequest) *types.Message {
		return &types.Message{
			ID:      types.MessageID(id),
			RestID:  types.RestID(id),
			Src:     types.ControllerHost("c", key),
			Dst:     types.APIServerHost(),
			Content: types.Content{APIRequest: req},
		}
	}

	older := msg(1, types.CreateRequest(cm("a", `{}`)))
	newer := msg(2, types.UpdateRequest(cm("a", `{}`)))
	other := msg(3, types.GetRequest(types.NewRef(types.KindConfigMap, "t", "b")))
	list := msg(4, types.ListRequest(types.KindConfigMap, "t", ""))
	inFlight := []*types.Message{older, newer, other, list}

	assert.True(t, Eligible(older, inFlight))
	assert.False(t, Eligible(newer, inFlight))
	assert.True(t, Eligible(other, inFlight))
	assert.True(t, Eligible(list, inFlight))
	assert.True(t, Eligible(newer, []*types.Message{newer, other}))

	resp := &types.Message{ID: 9, Dst: types.ControllerHost("c", key), Content: types.Content{APIResponse: &types.APIResponse{}}}
	assert.False(t, Eligible(resp, inFlight))
}
