// Package controllertest runs reconcile passes against a real API server
// without a network, for reconciler tests.
package controllertest

import (
	"testing"

	"github.com/cuemby/anvil/pkg/apiserver"
	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/external"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// maxSteps bounds a pass so a looping reconciler fails instead of hanging
const maxSteps = 200

// Env is an API server over an in-memory etcd
type Env struct {
	Etcd     *etcd.Store
	Alloc    *types.Allocator
	API      *apiserver.Server
	External external.Model
}

// NewEnv creates an environment that knows the codecs of recs. The first
// reconciler exposing an external model serves external requests.
func NewEnv(recs ...reconciler.Reconciler) *Env {
	codecs := types.NewRegistry()
	for _, kind := range types.CustomKinds() {
		codecs.Register(kind, types.RawCodec{})
	}
	e := &Env{Etcd: etcd.NewStore(), Alloc: types.NewAllocator()}
	for _, rec := range recs {
		codecs.Register(rec.Kind(), rec.Codec())
		if m, ok := rec.(interface{ ExternalModel() external.Model }); ok && e.External == nil {
			e.External = m.ExternalModel()
		}
	}
	e.API = apiserver.New(e.Etcd, codecs, e.Alloc)
	return e
}

// Create stores obj through the API server and returns the stored copy
func (e *Env) Create(t *testing.T, obj *types.Object) *types.Object {
	t.Helper()
	resp, _ := e.API.Handle(types.CreateRequest(obj), 0)
	require.True(t, resp.IsOK(), "create %s: %s", obj.Ref(), resp.Err)
	return resp.Obj
}

// Update stores obj through the API server and returns the stored copy
func (e *Env) Update(t *testing.T, obj *types.Object) *types.Object {
	t.Helper()
	resp, _ := e.API.Handle(types.UpdateRequest(obj), 0)
	require.True(t, resp.IsOK(), "update %s: %s", obj.Ref(), resp.Err)
	return resp.Obj
}

// Refused sends a create or update of obj and returns the error the API
// server answered with. It fails the test when the write is accepted.
func (e *Env) Refused(t *testing.T, op types.APIOp, obj *types.Object) types.ErrorKind {
	t.Helper()
	req := types.CreateRequest(obj)
	if op == types.OpUpdate {
		req = types.UpdateRequest(obj)
	}
	resp, events := e.API.Handle(req, 0)
	require.False(t, resp.IsOK(), "%s %s was accepted", op, obj.Ref())
	require.Empty(t, events)
	return resp.Err
}

// Handle serves req the way the cluster would
func (e *Env) Handle(t *testing.T, req *types.Request) *types.Response {
	t.Helper()
	if req.External != nil {
		require.NotNil(t, e.External, "external request without an external model")
		return &types.Response{External: e.External.Handle(req.External)}
	}
	resp, _ := e.API.Handle(req.API, 0)
	return &types.Response{API: resp}
}

// Pass is the record of one reconcile pass
type Pass struct {
	Final    reconciler.LocalState
	Requests []*types.Request
	Steps    []reconciler.Step
}

// Mutations returns the requests of the pass with verb op
func (p Pass) Mutations(op types.APIOp) []*types.APIRequest {
	var out []*types.APIRequest
	for _, req := range p.Requests {
		if req.API != nil && req.API.Op == op {
			out = append(out, req.API)
		}
	}
	return out
}

// Run drives one pass of rec over cr to a terminal state. Every request
// must satisfy the reconciler's pending-request predicate for its step.
func (e *Env) Run(t *testing.T, rec reconciler.Reconciler, cr *types.Object) Pass {
	t.Helper()
	var (
		pass  Pass
		resp  *types.Response
		state = rec.InitState()
	)
	for i := 0; i < maxSteps; i++ {
		next, req := rec.ReconcileCore(cr.DeepCopy(), resp, state)
		pass.Steps = append(pass.Steps, next.Step)
		if reconciler.IsTerminal(rec, next) {
			pass.Final = next
			return pass
		}
		if req == nil {
			state, resp = next, nil
			continue
		}
		require.True(t, rec.IsCorrectPendingRequestAtStep(next.Step, req, cr, e.Etcd),
			"request at %s does not match the phase table", next.Step)
		pass.Requests = append(pass.Requests, req)
		resp = e.Handle(t, req)
		state = next
	}
	t.Fatalf("pass over %s did not terminate in %d steps", cr.Ref(), maxSteps)
	return pass
}

// Converge runs passes until one leaves etcd unchanged
func (e *Env) Converge(t *testing.T, rec reconciler.Reconciler, cr *types.Object) {
	t.Helper()
	for i := 0; i < 10; i++ {
		current, ok := e.Etcd.Get(cr.Ref())
		require.True(t, ok)
		before := e.Etcd.All()
		pass := e.Run(t, rec, current)
		require.True(t, rec.ReconcileDone(pass.Final), "pass ended at %s", pass.Final.Step)
		if cmp.Equal(before, e.Etcd.All()) {
			return
		}
	}
	t.Fatalf("%s did not converge", cr.Ref())
}

// Unchanged runs one pass and returns the difference it made to etcd
func (e *Env) Unchanged(t *testing.T, rec reconciler.Reconciler, cr *types.Object) string {
	t.Helper()
	before := e.Etcd.All()
	pass := e.Run(t, rec, cr)
	require.True(t, rec.ReconcileDone(pass.Final), "pass ended at %s", pass.Final.Step)
	return cmp.Diff(before, e.Etcd.All())
}

// NewCR builds a custom resource with the given spec
func NewCR(t *testing.T, kind types.Kind, namespace, name string, spec interface{}) *types.Object {
	t.Helper()
	obj, err := types.NewObject(kind, namespace, name, spec)
	require.NoError(t, err)
	return obj
}
