package vreplicaset

import (
	"strings"

	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ControllerID is the id the VReplicaSet controller runs under
const ControllerID = "vreplicaset"

const (
	StepAfterListPods  reconciler.Step = "AfterListPods"
	StepAfterCreatePod reconciler.Step = "AfterCreatePod"
	StepAfterDeletePod reconciler.Step = "AfterDeletePod"
)

// PodSpec is the spec of the pods a replica set runs
type PodSpec struct {
	Image string   `json:"image"`
	Args  []string `json:"args,omitempty"`
}

// PodTemplate describes the pods to run
type PodTemplate struct {
	Labels map[string]string `json:"labels,omitempty"`
	Spec   PodSpec           `json:"spec"`
}

// Spec is the VReplicaSet spec
type Spec struct {
	Replicas int               `json:"replicas"`
	Selector map[string]string `json:"selector,omitempty"`
	Template PodTemplate       `json:"template"`
}

// ValidateTemplate checks that a pod template names an image
func ValidateTemplate(t PodTemplate, path *field.Path) field.ErrorList {
	var errs field.ErrorList
	if t.Spec.Image == "" {
		errs = append(errs, field.Required(path.Child("spec", "image"), "pods need an image"))
	}
	return errs
}

// ValidateReplicas rejects a negative replica count
func ValidateReplicas(replicas int, path *field.Path) field.ErrorList {
	if replicas < 0 {
		return field.ErrorList{field.Invalid(path, replicas, "must be greater than or equal to 0")}
	}
	return nil
}

// Validate rejects negative replicas, a template without an image and a
// selector that does not match the template labels
func (s Spec) Validate() error {
	errs := ValidateReplicas(s.Replicas, field.NewPath("replicas"))
	errs = append(errs, ValidateTemplate(s.Template, field.NewPath("template"))...)
	if len(s.Selector) > 0 && !labels.SelectorFromSet(s.Selector).Matches(labels.Set(s.Template.Labels)) {
		errs = append(errs, field.Invalid(field.NewPath("selector"), s.Selector, "does not match template labels"))
	}
	return errs.ToAggregate()
}

// progress is the scratch of a pass that is creating or deleting pods
type progress struct {
	// Remaining counts the creates still to send after the pending one
	Remaining int `json:"remaining,omitempty"`
	// Surplus names the pods still to delete after the pending one
	Surplus []string `json:"surplus,omitempty"`
}

// Reconciler keeps the number of pods a VReplicaSet controls at its
// replica count
type Reconciler struct{}

// New creates the VReplicaSet reconciler
func New() *Reconciler {
	return &Reconciler{}
}

// SpecOf decodes the spec of a VReplicaSet
func SpecOf(cr *types.Object) Spec {
	var s Spec
	_ = cr.UnmarshalSpec(&s)
	return s
}

// DesiredReplicas is the replica count of cr, never below zero
func DesiredReplicas(cr *types.Object) int {
	return max(SpecOf(cr).Replicas, 0)
}

// Selector returns the label selector of cr's pods. An empty selector
// falls back to the template labels.
func Selector(cr *types.Object) labels.Selector {
	s := SpecOf(cr)
	if len(s.Selector) > 0 {
		return labels.SelectorFromSet(s.Selector)
	}
	return labels.SelectorFromSet(s.Template.Labels)
}

// MakePod builds a pod from cr's template. The API server names it.
func MakePod(cr *types.Object) *types.Object {
	s := SpecOf(cr)
	lbls := make(map[string]string, len(s.Template.Labels))
	for k, v := range s.Template.Labels {
		lbls[k] = v
	}
	return &types.Object{
		Kind: types.KindPod,
		Metadata: types.Metadata{
			GenerateName:    cr.Metadata.Name + "-",
			Namespace:       cr.Metadata.Namespace,
			Labels:          lbls,
			OwnerReferences: []types.OwnerReference{cr.ControllerOwnerRef()},
		},
		Spec: types.MustSpec(s.Template.Spec),
	}
}

// OwnedPods returns the live pods of pods controlled by cr
func OwnedPods(cr *types.Object, pods []*types.Object) []*types.Object {
	sel := Selector(cr)
	var out []*types.Object
	for _, pod := range pods {
		if pod.IsTerminating() || !pod.IsControlledBy(cr) || !sel.Matches(labels.Set(pod.Metadata.Labels)) {
			continue
		}
		out = append(out, pod)
	}
	return out
}

// Kind returns KindVReplicaSet
func (r *Reconciler) Kind() types.Kind { return types.KindVReplicaSet }

// Codec validates VReplicaSet specs with Spec.Validate
func (r *Reconciler) Codec() types.Codec { return types.JSONCodec[Spec]{} }

// InitState starts a pass by listing pods
func (r *Reconciler) InitState() reconciler.LocalState {
	return reconciler.At(reconciler.StepInit)
}

func listPods(cr *types.Object) *types.Request {
	return types.APIReq(types.ListRequest(types.KindPod, cr.Metadata.Namespace, Selector(cr).String()))
}

func deletePod(cr *types.Object, name string) *types.Request {
	return types.APIReq(types.GetThenDeleteRequest(types.NewRef(types.KindPod, cr.Metadata.Namespace, name), cr.ControllerOwnerRef()))
}

// ReconcileCore lists the pods cr controls and creates or deletes them
// one at a time until their number is the replica count
func (r *Reconciler) ReconcileCore(cr *types.Object, resp *types.Response, state reconciler.LocalState) (reconciler.LocalState, *types.Request) {
	if state.Step == reconciler.StepInit {
		return reconciler.At(StepAfterListPods), listPods(cr)
	}
	if resp == nil || resp.API == nil {
		return reconciler.At(reconciler.StepError), nil
	}

	switch state.Step {
	case StepAfterListPods:
		if !resp.API.IsOK() {
			return reconciler.At(reconciler.StepError), nil
		}
		owned := OwnedPods(cr, resp.API.Objs)
		diff := DesiredReplicas(cr) - len(owned)
		switch {
		case diff > 0:
			return reconciler.WithScratch(StepAfterCreatePod, progress{Remaining: diff - 1}), types.APIReq(types.CreateRequest(MakePod(cr)))
		case diff < 0:
			surplus := min(-diff, len(owned))
			if surplus == 0 {
				break
			}
			names := make([]string, 0, surplus)
			for _, pod := range owned[:surplus] {
				names = append(names, pod.Metadata.Name)
			}
			return reconciler.WithScratch(StepAfterDeletePod, progress{Surplus: names[1:]}), deletePod(cr, names[0])
		}
		return reconciler.At(reconciler.StepDone), nil

	case StepAfterCreatePod:
		var p progress
		if !resp.API.IsOK() || state.DecodeScratch(&p) != nil {
			return reconciler.At(reconciler.StepError), nil
		}
		if p.Remaining == 0 {
			return reconciler.At(reconciler.StepDone), nil
		}
		return reconciler.WithScratch(StepAfterCreatePod, progress{Remaining: p.Remaining - 1}), types.APIReq(types.CreateRequest(MakePod(cr)))

	case StepAfterDeletePod:
		var p progress
		if (!resp.API.IsOK() && resp.API.Err != types.ErrNotFound) || state.DecodeScratch(&p) != nil {
			return reconciler.At(reconciler.StepError), nil
		}
		if len(p.Surplus) == 0 {
			return reconciler.At(reconciler.StepDone), nil
		}
		return reconciler.WithScratch(StepAfterDeletePod, progress{Surplus: p.Surplus[1:]}), deletePod(cr, p.Surplus[0])
	}
	return reconciler.At(reconciler.StepError), nil
}

// ReconcileDone reports whether the pass reached the desired pod count
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
	switch step {
	case StepAfterListPods:
		return api.Op == types.OpList && api.ListKind == types.KindPod &&
			api.Namespace == cr.Metadata.Namespace && api.LabelSelector == Selector(cr).String()
	case StepAfterCreatePod:
		want := MakePod(cr)
		return api.Op == types.OpCreate && api.Obj != nil && api.Obj.Kind == types.KindPod &&
			api.Namespace == cr.Metadata.Namespace &&
			api.Obj.Metadata.GenerateName == want.Metadata.GenerateName &&
			api.Obj.IsControlledBy(cr) &&
			(types.RawCodec{}).Equal(api.Obj.Spec, want.Spec) &&
			equality.Semantic.DeepEqual(api.Obj.Metadata.Labels, want.Metadata.Labels)
	case StepAfterDeletePod:
		return api.Op == types.OpGetThenDelete && api.Key.Kind == types.KindPod &&
			api.Key.Namespace == cr.Metadata.Namespace &&
			strings.HasPrefix(api.Key.Name, cr.Metadata.Name+"-") &&
			api.OwnerRef != nil && *api.OwnerRef == cr.ControllerOwnerRef()
	}
	return false
}

// CurrentStateMatches holds when cr controls exactly its replica count of
// live pods
func (r *Reconciler) CurrentStateMatches(cr *types.Object, reader reconciler.Reader) bool {
	return len(OwnedPods(cr, reader.List(types.KindPod, cr.Metadata.Namespace))) == DesiredReplicas(cr)
}

// Footprint declares the pods the reconciler owns
func (r *Reconciler) Footprint() rely.Footprint {
	return rely.Footprint{
		ControllerID: ControllerID,
		CRKind:       types.KindVReplicaSet,
		Managed:      []rely.Managed{{Kind: types.KindPod, Owned: true}},
	}
}

// PhaseTable lists the request pending at each step
func (r *Reconciler) PhaseTable() []reconciler.Phase {
	return []reconciler.Phase{
		{Step: StepAfterListPods, Pending: "List(Pod, selector)"},
		{Step: StepAfterCreatePod, Pending: "Create(Pod/<name>-*)"},
		{Step: StepAfterDeletePod, Pending: "GetThenDelete(Pod, owner)"},
	}
}
