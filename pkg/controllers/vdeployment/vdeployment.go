package vdeployment

import (
	"fmt"
	"hash/fnv"

	"github.com/cuemby/anvil/pkg/controllers/pipeline"
	"github.com/cuemby/anvil/pkg/controllers/vreplicaset"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ControllerID is the id the VDeployment controller runs under
const ControllerID = "vdeployment"

// TemplateHashLabel distinguishes the replica sets of successive templates
const TemplateHashLabel = "pod-template-hash"

const (
	StepAfterListVReplicaSets        reconciler.Step = "AfterListVReplicaSets"
	StepAfterCreateNewVReplicaSet    reconciler.Step = "AfterCreateNewVReplicaSet"
	StepAfterScaleNewVReplicaSet     reconciler.Step = "AfterScaleNewVReplicaSet"
	StepAfterScaleDownOldVReplicaSet reconciler.Step = "AfterScaleDownOldVReplicaSet"
)

// Spec is the VDeployment spec
type Spec struct {
	Replicas int                     `json:"replicas"`
	Selector map[string]string       `json:"selector,omitempty"`
	Template vreplicaset.PodTemplate `json:"template"`
}

// Validate rejects the specs whose replica set the API server would refuse
func (s Spec) Validate() error {
	errs := vreplicaset.ValidateReplicas(s.Replicas, field.NewPath("replicas"))
	errs = append(errs, vreplicaset.ValidateTemplate(s.Template, field.NewPath("template"))...)
	if len(s.Selector) > 0 && !labels.SelectorFromSet(s.Selector).Matches(labels.Set(s.Template.Labels)) {
		errs = append(errs, field.Invalid(field.NewPath("selector"), s.Selector, "does not match template labels"))
	}
	return errs.ToAggregate()
}

// rollout is the scratch of a pass: the old replica sets still to scale
// down after the pending request
type rollout struct {
	Old []*types.Object `json:"old,omitempty"`
}

// Reconciler rolls VDeployments out through VReplicaSets: the replica set
// of the current template runs every replica, older ones are scaled to zero
type Reconciler struct{}

// New creates the VDeployment reconciler
func New() *Reconciler {
	return &Reconciler{}
}

func specOf(cr *types.Object) Spec {
	var s Spec
	_ = cr.UnmarshalSpec(&s)
	return s
}

// TemplateHash hashes cr's pod template
func TemplateHash(cr *types.Object) string {
	h := fnv.New32a()
	h.Write(types.MustSpec(specOf(cr).Template))
	return rand.SafeEncodeString(fmt.Sprint(h.Sum32()))
}

// NewName is the name of the replica set running cr's current template
func NewName(cr *types.Object) string {
	return cr.Metadata.Name + "-" + TemplateHash(cr)
}

func withHash(in map[string]string, hash string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	out[TemplateHashLabel] = hash
	return out
}

// MakeVReplicaSet builds the replica set of cr's current template
func MakeVReplicaSet(cr *types.Object) *types.Object {
	s := specOf(cr)
	hash := TemplateHash(cr)
	selector := s.Selector
	if len(selector) == 0 {
		selector = s.Template.Labels
	}
	return pipeline.Owned(cr, types.KindVReplicaSet, NewName(cr), withHash(s.Template.Labels, hash), vreplicaset.Spec{
		Replicas: max(s.Replicas, 0),
		Selector: withHash(selector, hash),
		Template: vreplicaset.PodTemplate{
			Labels: withHash(s.Template.Labels, hash),
			Spec:   s.Template.Spec,
		},
	})
}

func scaledToZero(vrs *types.Object) *types.Object {
	out := vrs.DeepCopy()
	spec := vreplicaset.SpecOf(vrs)
	spec.Replicas = 0
	out.Spec = types.MustSpec(spec)
	return out
}

func owned(cr *types.Object, objs []*types.Object) []*types.Object {
	var out []*types.Object
	for _, obj := range objs {
		if obj.IsControlledBy(cr) && !obj.IsTerminating() {
			out = append(out, obj)
		}
	}
	return out
}

// Kind returns KindVDeployment
func (r *Reconciler) Kind() types.Kind { return types.KindVDeployment }

// Codec validates VDeployment specs with Spec.Validate
func (r *Reconciler) Codec() types.Codec { return types.JSONCodec[Spec]{} }

// InitState starts a pass by listing replica sets
func (r *Reconciler) InitState() reconciler.LocalState {
	return reconciler.At(reconciler.StepInit)
}

// ReconcileCore creates or scales the replica set of the current template,
// then scales every older one to zero
func (r *Reconciler) ReconcileCore(cr *types.Object, resp *types.Response, state reconciler.LocalState) (reconciler.LocalState, *types.Request) {
	if state.Step == reconciler.StepInit {
		return reconciler.At(StepAfterListVReplicaSets), types.APIReq(types.ListRequest(types.KindVReplicaSet, cr.Metadata.Namespace, ""))
	}
	if resp == nil || resp.API == nil || !resp.API.IsOK() {
		return reconciler.At(reconciler.StepError), nil
	}

	switch state.Step {
	case StepAfterListVReplicaSets:
		desired := MakeVReplicaSet(cr)
		var (
			current *types.Object
			old     []*types.Object
		)
		for _, vrs := range owned(cr, resp.API.Objs) {
			switch {
			case vrs.Metadata.Name == desired.Metadata.Name:
				current = vrs
			case vreplicaset.SpecOf(vrs).Replicas != 0:
				old = append(old, vrs)
			}
		}
		switch {
		case current == nil:
			return reconciler.WithScratch(StepAfterCreateNewVReplicaSet, rollout{Old: old}), types.APIReq(types.CreateRequest(desired))
		case !pipeline.Matches(current, desired):
			return reconciler.WithScratch(StepAfterScaleNewVReplicaSet, rollout{Old: old}),
				types.APIReq(types.GetThenUpdateRequest(pipeline.Merge(current, desired), cr.ControllerOwnerRef()))
		}
		return scaleDownNext(cr, old)

	case StepAfterCreateNewVReplicaSet, StepAfterScaleNewVReplicaSet, StepAfterScaleDownOldVReplicaSet:
		var ro rollout
		if err := state.DecodeScratch(&ro); err != nil {
			return reconciler.At(reconciler.StepError), nil
		}
		return scaleDownNext(cr, ro.Old)
	}
	return reconciler.At(reconciler.StepError), nil
}

func scaleDownNext(cr *types.Object, old []*types.Object) (reconciler.LocalState, *types.Request) {
	if len(old) == 0 {
		return reconciler.At(reconciler.StepDone), nil
	}
	return reconciler.WithScratch(StepAfterScaleDownOldVReplicaSet, rollout{Old: old[1:]}),
		types.APIReq(types.GetThenUpdateRequest(scaledToZero(old[0]), cr.ControllerOwnerRef()))
}

// ReconcileDone reports whether the rollout step finished
func (r *Reconciler) ReconcileDone(state reconciler.LocalState) bool {
	return state.Step == reconciler.StepDone
}

// ReconcileError reports whether the pass failed
func (r *Reconciler) ReconcileError(state reconciler.LocalState) bool {
	return state.Step == reconciler.StepError
}

// IsCorrectPendingRequestAtStep checks req against the phase table
func (r *Reconciler) IsCorrectPendingRequestAtStep(step reconciler.Step, req *types.Request, cr *types.Object, _ reconciler.Reader) bool {
	if req == nil || req.API == nil {
		return false
	}
	api := req.API
	desired := MakeVReplicaSet(cr)
	ownerOK := api.OwnerRef != nil && *api.OwnerRef == cr.ControllerOwnerRef()

	switch step {
	case StepAfterListVReplicaSets:
		return api.Op == types.OpList && api.ListKind == types.KindVReplicaSet && api.Namespace == cr.Metadata.Namespace
	case StepAfterCreateNewVReplicaSet:
		return api.Op == types.OpCreate && api.Obj != nil &&
			api.Obj.Ref() == desired.Ref() && pipeline.Matches(api.Obj, desired)
	case StepAfterScaleNewVReplicaSet:
		return api.Op == types.OpGetThenUpdate && ownerOK && api.Key == desired.Ref() &&
			api.Obj != nil && pipeline.Matches(api.Obj, desired)
	case StepAfterScaleDownOldVReplicaSet:
		return api.Op == types.OpGetThenUpdate && ownerOK &&
			api.Key.Kind == types.KindVReplicaSet && api.Key != desired.Ref() &&
			api.Obj != nil && vreplicaset.SpecOf(api.Obj).Replicas == 0
	}
	return false
}

// CurrentStateMatches holds when the replica set of the current template
// runs the desired replicas and every older one is scaled to zero
func (r *Reconciler) CurrentStateMatches(cr *types.Object, reader reconciler.Reader) bool {
	desired := MakeVReplicaSet(cr)
	found := false
	for _, vrs := range owned(cr, reader.List(types.KindVReplicaSet, cr.Metadata.Namespace)) {
		if vrs.Metadata.Name == desired.Metadata.Name {
			if !pipeline.Matches(vrs, desired) {
				return false
			}
			found = true
			continue
		}
		if vreplicaset.SpecOf(vrs).Replicas != 0 {
			return false
		}
	}
	return found
}

// Footprint declares the replica sets the reconciler owns
func (r *Reconciler) Footprint() rely.Footprint {
	return rely.Footprint{
		ControllerID: ControllerID,
		CRKind:       types.KindVDeployment,
		Managed:      []rely.Managed{{Kind: types.KindVReplicaSet, Owned: true}},
	}
}

// PhaseTable lists the request pending at each step
func (r *Reconciler) PhaseTable() []reconciler.Phase {
	return []reconciler.Phase{
		{Step: StepAfterListVReplicaSets, Pending: "List(VReplicaSet)"},
		{Step: StepAfterCreateNewVReplicaSet, Pending: "Create(VReplicaSet/<name>-<hash>)"},
		{Step: StepAfterScaleNewVReplicaSet, Pending: "GetThenUpdate(VReplicaSet/<name>-<hash>)"},
		{Step: StepAfterScaleDownOldVReplicaSet, Pending: "GetThenUpdate(VReplicaSet, replicas=0)"},
	}
}
