package simple

import (
	"github.com/cuemby/anvil/pkg/controllers/pipeline"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
)

// ControllerID is the id the simple controller runs under
const ControllerID = "simple"

const (
	StepAfterGetConfigMap    reconciler.Step = "AfterGetConfigMap"
	StepAfterCreateConfigMap reconciler.Step = "AfterCreateConfigMap"
	StepAfterUpdateConfigMap reconciler.Step = "AfterUpdateConfigMap"
)

// Spec is the SimpleCR spec
type Spec struct {
	Data map[string]string `json:"data,omitempty"`
}

// ConfigMapSpec is the spec of the mirrored config map
type ConfigMapSpec struct {
	Data map[string]string `json:"data"`
}

// Reconciler keeps one config map in step with each SimpleCR
type Reconciler struct {
	p *pipeline.Pipeline
}

// New creates the simple reconciler
func New() *Reconciler {
	return &Reconciler{p: pipeline.New(
		pipeline.Stage{Name: "ConfigMap", Kind: types.KindConfigMap, Mode: pipeline.Converge, Build: MakeConfigMap},
	)}
}

// MakeConfigMap builds the config map mirrored from cr
func MakeConfigMap(cr *types.Object) *types.Object {
	var s Spec
	_ = cr.UnmarshalSpec(&s)
	data := s.Data
	if data == nil {
		data = map[string]string{}
	}
	return pipeline.Owned(cr, types.KindConfigMap, cr.Metadata.Name+"-cm", map[string]string{"app": cr.Metadata.Name}, ConfigMapSpec{Data: data})
}

// Kind returns KindSimpleCR
func (r *Reconciler) Kind() types.Kind { return types.KindSimpleCR }

// Codec decodes SimpleCR specs strictly
func (r *Reconciler) Codec() types.Codec { return types.JSONCodec[Spec]{} }

// InitState starts a pass at the config map stage
func (r *Reconciler) InitState() reconciler.LocalState {
	return reconciler.At(reconciler.StepInit)
}

// ReconcileCore advances the pipeline by one response
func (r *Reconciler) ReconcileCore(cr *types.Object, resp *types.Response, state reconciler.LocalState) (reconciler.LocalState, *types.Request) {
	return r.p.Reconcile(cr, resp, state)
}

// ReconcileDone reports whether the config map is in place
func (r *Reconciler) ReconcileDone(state reconciler.LocalState) bool {
	return state.Step == reconciler.StepDone
}

// ReconcileError reports whether the pass failed
func (r *Reconciler) ReconcileError(state reconciler.LocalState) bool {
	return state.Step == reconciler.StepError
}

// IsCorrectPendingRequestAtStep checks req against the pipeline stage of step
func (r *Reconciler) IsCorrectPendingRequestAtStep(step reconciler.Step, req *types.Request, cr *types.Object, _ reconciler.Reader) bool {
	return r.p.IsCorrectPending(step, req, cr)
}

// CurrentStateMatches holds when the config map mirrors the spec data
func (r *Reconciler) CurrentStateMatches(cr *types.Object, reader reconciler.Reader) bool {
	return r.p.CurrentStateMatches(cr, reader)
}

// Footprint declares the config map the reconciler owns
func (r *Reconciler) Footprint() rely.Footprint {
	return rely.Footprint{ControllerID: ControllerID, CRKind: types.KindSimpleCR, Managed: r.p.Managed()}
}

// PhaseTable lists the request pending at each pipeline step
func (r *Reconciler) PhaseTable() []reconciler.Phase {
	return r.p.PhaseTable()
}
