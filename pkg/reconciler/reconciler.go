package reconciler

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
)

// Step is a reconciler-specific phase of a reconcile pass. The engine only
// distinguishes the initial and the two terminal steps.
type Step string

const (
	StepInit  Step = "Init"
	StepDone  Step = "Done"
	StepError Step = "Error"
)

// LocalState is the per-key state of a reconcile pass. Scratch carries
// whatever the reconciler needs between steps and is persisted with it.
type LocalState struct {
	Step    Step            `json:"step"`
	Scratch json.RawMessage `json:"scratch,omitempty"`
}

// At returns a state at step carrying no scratch
func At(step Step) LocalState {
	return LocalState{Step: step}
}

// WithScratch returns a state at step whose scratch is v encoded as JSON
func WithScratch(step Step, v interface{}) LocalState {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal scratch: %v", err))
	}
	return LocalState{Step: step, Scratch: raw}
}

// DecodeScratch decodes the scratch of s into v
func (s LocalState) DecodeScratch(v interface{}) error {
	if len(s.Scratch) == 0 {
		return fmt.Errorf("step %s carries no scratch", s.Step)
	}
	return json.Unmarshal(s.Scratch, v)
}

// Reader is read access to etcd used by predicates
type Reader interface {
	Get(ref types.ObjectRef) (*types.Object, bool)
	List(kind types.Kind, namespace string) []*types.Object
}

// Phase documents the request a reconciler must have pending at a step
type Phase struct {
	Step    Step
	Pending string
}

// Reconciler is the contract every controller implements. ReconcileCore must
// be a deterministic pure function of its arguments: the engine relies on it
// to replay passes and the invariant checker relies on it to predict
// pending requests.
type Reconciler interface {
	// Kind is the custom resource kind the reconciler drives
	Kind() types.Kind
	// Codec validates and compares the custom resource spec
	Codec() types.Codec

	InitState() LocalState
	ReconcileCore(cr *types.Object, resp *types.Response, state LocalState) (LocalState, *types.Request)
	ReconcileDone(state LocalState) bool
	ReconcileError(state LocalState) bool

	// IsCorrectPendingRequestAtStep holds while state is at step and req is
	// the request in flight for cr
	IsCorrectPendingRequestAtStep(step Step, req *types.Request, cr *types.Object, reader Reader) bool
	// CurrentStateMatches holds when the resources cr describes exist in
	// etcd with the spec the reconciler derives from cr
	CurrentStateMatches(cr *types.Object, reader Reader) bool

	// Footprint declares what the reconciler may touch, for rely/guarantee
	Footprint() rely.Footprint
	PhaseTable() []Phase
}

// IsTerminal reports whether state ends the pass for r
func IsTerminal(r Reconciler, state LocalState) bool {
	return r.ReconcileDone(state) || r.ReconcileError(state)
}
