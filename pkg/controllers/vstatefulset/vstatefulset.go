package vstatefulset

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/anvil/pkg/controllers/pipeline"
	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ControllerID is the id the VStatefulSet controller runs under
const ControllerID = "vstatefulset"

const (
	StepAfterListClaims  reconciler.Step = "AfterListClaims"
	StepAfterListPods    reconciler.Step = "AfterListPods"
	StepAfterCreateClaim reconciler.Step = "AfterCreateClaim"
	StepAfterCreatePod   reconciler.Step = "AfterCreatePod"
	StepAfterUpdatePod   reconciler.Step = "AfterUpdatePod"
	StepAfterDeletePod   reconciler.Step = "AfterDeletePod"
)

// ClaimTemplate describes the volume claim every ordinal gets
type ClaimTemplate struct {
	Name    string `json:"name"`
	Storage string `json:"storage"`
}

// PodTemplate describes the pods to run
type PodTemplate struct {
	Labels map[string]string `json:"labels,omitempty"`
	Image  string            `json:"image"`
	Args   []string          `json:"args,omitempty"`
}

// Spec is the VStatefulSet spec
type Spec struct {
	Replicas    int            `json:"replicas"`
	Template    PodTemplate    `json:"template"`
	VolumeClaim *ClaimTemplate `json:"volumeClaim,omitempty"`
}

// Validate rejects negative replicas, a template without an image and an
// incomplete volume claim template
func (s Spec) Validate() error {
	var errs field.ErrorList
	if s.Replicas < 0 {
		errs = append(errs, field.Invalid(field.NewPath("replicas"), s.Replicas, "must be greater than or equal to 0"))
	}
	if s.Template.Image == "" {
		errs = append(errs, field.Required(field.NewPath("template", "image"), "pods need an image"))
	}
	if c := s.VolumeClaim; c != nil {
		path := field.NewPath("volumeClaim")
		if c.Name == "" {
			errs = append(errs, field.Required(path.Child("name"), ""))
		}
		if _, err := resource.ParseQuantity(c.Storage); err != nil {
			errs = append(errs, field.Invalid(path.Child("storage"), c.Storage, err.Error()))
		}
	}
	return errs.ToAggregate()
}

// PodSpec is the spec of an ordinal pod
type PodSpec struct {
	Image string   `json:"image"`
	Args  []string `json:"args,omitempty"`
	Claim string   `json:"claim,omitempty"`
}

// ClaimSpec is the spec of an ordinal volume claim
type ClaimSpec struct {
	Storage string `json:"storage"`
}

const (
	opCreateClaim = "createClaim"
	opCreatePod   = "createPod"
	opUpdatePod   = "updatePod"
	opDeletePod   = "deletePod"
)

type action struct {
	Op      string        `json:"op"`
	Ordinal int           `json:"ordinal"`
	Name    string        `json:"name,omitempty"`
	Obj     *types.Object `json:"obj,omitempty"`
}

// plan is the scratch of a pass: the claims seen so far, then the actions
// still to take after the pending one
type plan struct {
	Claims  []string `json:"claims,omitempty"`
	Actions []action `json:"actions,omitempty"`
}

// Reconciler runs one pod per ordinal of a VStatefulSet, each with its own
// volume claim when the spec asks for one
type Reconciler struct{}

// New creates the VStatefulSet reconciler
func New() *Reconciler {
	return &Reconciler{}
}

func specOf(cr *types.Object) Spec {
	var s Spec
	_ = cr.UnmarshalSpec(&s)
	return s
}

// PodName names the pod of ordinal i
func PodName(cr *types.Object, i int) string {
	return cr.Metadata.Name + "-" + strconv.Itoa(i)
}

// ClaimName names the volume claim of ordinal i
func ClaimName(cr *types.Object, claim string, i int) string {
	return cr.Metadata.Name + "-" + claim + "-" + strconv.Itoa(i)
}

// Ordinal parses the ordinal out of a pod name of cr
func Ordinal(cr *types.Object, name string) (int, bool) {
	suffix := strings.TrimPrefix(name, cr.Metadata.Name+"-")
	if suffix == name {
		return 0, false
	}
	i, err := strconv.Atoi(suffix)
	if err != nil || i < 0 || strconv.Itoa(i) != suffix {
		return 0, false
	}
	return i, true
}

// MakePod builds the pod of ordinal i
func MakePod(cr *types.Object, i int) *types.Object {
	s := specOf(cr)
	lbls := make(map[string]string, len(s.Template.Labels)+1)
	for k, v := range s.Template.Labels {
		lbls[k] = v
	}
	lbls["statefulset.kubernetes.io/pod-name"] = PodName(cr, i)
	spec := PodSpec{Image: s.Template.Image, Args: s.Template.Args}
	if s.VolumeClaim != nil {
		spec.Claim = ClaimName(cr, s.VolumeClaim.Name, i)
	}
	return pipeline.Owned(cr, types.KindPod, PodName(cr, i), lbls, spec)
}

// MakeClaim builds the volume claim of ordinal i
func MakeClaim(cr *types.Object, i int) *types.Object {
	s := specOf(cr)
	return pipeline.Owned(cr, types.KindPersistentVolumeClaim, ClaimName(cr, s.VolumeClaim.Name, i),
		map[string]string{"app": cr.Metadata.Name}, ClaimSpec{Storage: s.VolumeClaim.Storage})
}

// Kind returns KindVStatefulSet
func (r *Reconciler) Kind() types.Kind { return types.KindVStatefulSet }

// Codec validates VStatefulSet specs with Spec.Validate
func (r *Reconciler) Codec() types.Codec { return types.JSONCodec[Spec]{} }

// InitState starts a pass by listing claims, or pods when there is no
// claim template
func (r *Reconciler) InitState() reconciler.LocalState {
	return reconciler.At(reconciler.StepInit)
}

func listPods(cr *types.Object) *types.Request {
	return types.APIReq(types.ListRequest(types.KindPod, cr.Metadata.Namespace, ""))
}

// ReconcileCore creates missing claims, then creates, updates and deletes
// pods one ordinal at a time
func (r *Reconciler) ReconcileCore(cr *types.Object, resp *types.Response, state reconciler.LocalState) (reconciler.LocalState, *types.Request) {
	if state.Step == reconciler.StepInit {
		if specOf(cr).VolumeClaim != nil {
			return reconciler.At(StepAfterListClaims), types.APIReq(types.ListRequest(types.KindPersistentVolumeClaim, cr.Metadata.Namespace, ""))
		}
		return reconciler.At(StepAfterListPods), listPods(cr)
	}
	if resp == nil || resp.API == nil {
		return reconciler.At(reconciler.StepError), nil
	}
	api := resp.API

	switch state.Step {
	case StepAfterListClaims:
		if !api.IsOK() {
			break
		}
		var claims []string
		for _, pvc := range api.Objs {
			if pvc.IsControlledBy(cr) {
				claims = append(claims, pvc.Metadata.Name)
			}
		}
		return reconciler.WithScratch(StepAfterListPods, plan{Claims: claims}), listPods(cr)

	case StepAfterListPods:
		if !api.IsOK() {
			break
		}
		var p plan
		if len(state.Scratch) > 0 && state.DecodeScratch(&p) != nil {
			break
		}
		return next(cr, buildPlan(cr, p.Claims, api.Objs))

	case StepAfterCreateClaim, StepAfterCreatePod, StepAfterUpdatePod, StepAfterDeletePod:
		accepted := api.IsOK() ||
			(state.Step == StepAfterCreateClaim && api.Err == types.ErrAlreadyExists) ||
			(state.Step == StepAfterDeletePod && api.Err == types.ErrNotFound)
		var p plan
		if !accepted || state.DecodeScratch(&p) != nil {
			break
		}
		return next(cr, p.Actions)
	}
	return reconciler.At(reconciler.StepError), nil
}

// buildPlan lists, in order, the mutations that bring the pods and claims
// of cr in line: missing claims and pods per ordinal, diverged pods, then
// surplus pods from the highest ordinal down
func buildPlan(cr *types.Object, claims []string, pods []*types.Object) []action {
	s := specOf(cr)
	haveClaim := sets.New[string](claims...)

	byName := make(map[string]*types.Object)
	var surplus []*types.Object
	for _, pod := range pods {
		if !pod.IsControlledBy(cr) || pod.IsTerminating() {
			continue
		}
		if i, ok := Ordinal(cr, pod.Metadata.Name); ok && i < s.Replicas {
			byName[pod.Metadata.Name] = pod
			continue
		}
		surplus = append(surplus, pod)
	}

	var actions []action
	for i := 0; i < s.Replicas; i++ {
		if s.VolumeClaim != nil && !haveClaim.Has(ClaimName(cr, s.VolumeClaim.Name, i)) {
			actions = append(actions, action{Op: opCreateClaim, Ordinal: i})
		}
		desired := MakePod(cr, i)
		pod, exists := byName[desired.Metadata.Name]
		switch {
		case !exists:
			actions = append(actions, action{Op: opCreatePod, Ordinal: i})
		case !pipeline.Matches(pod, desired):
			actions = append(actions, action{Op: opUpdatePod, Ordinal: i, Obj: pipeline.Merge(pod, desired)})
		}
	}

	sort.Slice(surplus, func(a, b int) bool {
		ia, okA := Ordinal(cr, surplus[a].Metadata.Name)
		ib, okB := Ordinal(cr, surplus[b].Metadata.Name)
		if okA != okB {
			return !okA
		}
		if ia != ib {
			return ia > ib
		}
		return surplus[a].Metadata.Name < surplus[b].Metadata.Name
	})
	for _, pod := range surplus {
		actions = append(actions, action{Op: opDeletePod, Name: pod.Metadata.Name})
	}
	return actions
}

// next sends the first action of actions and carries the rest
func next(cr *types.Object, actions []action) (reconciler.LocalState, *types.Request) {
	if len(actions) == 0 {
		return reconciler.At(reconciler.StepDone), nil
	}
	a, rest := actions[0], plan{Actions: actions[1:]}
	switch a.Op {
	case opCreateClaim:
		return reconciler.WithScratch(StepAfterCreateClaim, rest), types.APIReq(types.CreateRequest(MakeClaim(cr, a.Ordinal)))
	case opCreatePod:
		return reconciler.WithScratch(StepAfterCreatePod, rest), types.APIReq(types.CreateRequest(MakePod(cr, a.Ordinal)))
	case opUpdatePod:
		return reconciler.WithScratch(StepAfterUpdatePod, rest), types.APIReq(types.GetThenUpdateRequest(a.Obj, cr.ControllerOwnerRef()))
	default:
		key := types.NewRef(types.KindPod, cr.Metadata.Namespace, a.Name)
		return reconciler.WithScratch(StepAfterDeletePod, rest), types.APIReq(types.GetThenDeleteRequest(key, cr.ControllerOwnerRef()))
	}
}

// ReconcileDone reports whether the plan of the pass is exhausted
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
	s := specOf(cr)
	ns := cr.Metadata.Namespace
	ownerOK := api.OwnerRef != nil && *api.OwnerRef == cr.ControllerOwnerRef()

	// ordinalOf validates the ordinal of a pod the pass may create or update
	ordinalOf := func(name string) (int, bool) {
		i, ok := Ordinal(cr, name)
		return i, ok && i < s.Replicas
	}

	switch step {
	case StepAfterListClaims:
		return s.VolumeClaim != nil && api.Op == types.OpList && api.ListKind == types.KindPersistentVolumeClaim && api.Namespace == ns
	case StepAfterListPods:
		return api.Op == types.OpList && api.ListKind == types.KindPod && api.Namespace == ns
	case StepAfterCreateClaim:
		if s.VolumeClaim == nil || api.Op != types.OpCreate || api.Obj == nil || api.Obj.Kind != types.KindPersistentVolumeClaim {
			return false
		}
		for i := 0; i < s.Replicas; i++ {
			if want := MakeClaim(cr, i); api.Obj.Ref() == want.Ref() {
				return pipeline.Matches(api.Obj, want)
			}
		}
		return false
	case StepAfterCreatePod:
		if api.Op != types.OpCreate || api.Obj == nil || api.Obj.Kind != types.KindPod || api.Obj.Metadata.Namespace != ns {
			return false
		}
		i, ok := ordinalOf(api.Obj.Metadata.Name)
		return ok && pipeline.Matches(api.Obj, MakePod(cr, i))
	case StepAfterUpdatePod:
		if api.Op != types.OpGetThenUpdate || !ownerOK || api.Obj == nil || api.Key.Kind != types.KindPod || api.Key.Namespace != ns {
			return false
		}
		i, ok := ordinalOf(api.Key.Name)
		return ok && pipeline.Matches(api.Obj, MakePod(cr, i))
	case StepAfterDeletePod:
		if api.Op != types.OpGetThenDelete || !ownerOK || api.Key.Kind != types.KindPod || api.Key.Namespace != ns {
			return false
		}
		_, inRange := ordinalOf(api.Key.Name)
		return !inRange
	}
	return false
}

// CurrentStateMatches holds when every ordinal below the replica count has
// its pod with the desired spec and its claim, and no higher ordinal runs
func (r *Reconciler) CurrentStateMatches(cr *types.Object, reader reconciler.Reader) bool {
	s := specOf(cr)
	ns := cr.Metadata.Namespace
	for i := 0; i < s.Replicas; i++ {
		desired := MakePod(cr, i)
		pod, ok := reader.Get(desired.Ref())
		if !ok || !pod.IsControlledBy(cr) || pod.IsTerminating() || !pipeline.Matches(pod, desired) {
			return false
		}
		if s.VolumeClaim != nil {
			claim, ok := reader.Get(MakeClaim(cr, i).Ref())
			if !ok || !claim.IsControlledBy(cr) {
				return false
			}
		}
	}
	for _, pod := range reader.List(types.KindPod, ns) {
		if !pod.IsControlledBy(cr) || pod.IsTerminating() {
			continue
		}
		if i, ok := Ordinal(cr, pod.Metadata.Name); !ok || i >= s.Replicas {
			return false
		}
	}
	return true
}

// Footprint declares the pods and claims the reconciler owns
func (r *Reconciler) Footprint() rely.Footprint {
	return rely.Footprint{
		ControllerID: ControllerID,
		CRKind:       types.KindVStatefulSet,
		Managed: []rely.Managed{
			{Kind: types.KindPod, Owned: true},
			{Kind: types.KindPersistentVolumeClaim, Owned: true},
		},
	}
}

// PhaseTable lists the request pending at each step
func (r *Reconciler) PhaseTable() []reconciler.Phase {
	return []reconciler.Phase{
		{Step: StepAfterListClaims, Pending: "List(PersistentVolumeClaim)"},
		{Step: StepAfterListPods, Pending: "List(Pod)"},
		{Step: StepAfterCreateClaim, Pending: "Create(PersistentVolumeClaim/<name>-<claim>-<ordinal>)"},
		{Step: StepAfterCreatePod, Pending: "Create(Pod/<name>-<ordinal>)"},
		{Step: StepAfterUpdatePod, Pending: "GetThenUpdate(Pod/<name>-<ordinal>)"},
		{Step: StepAfterDeletePod, Pending: "GetThenDelete(Pod/<name>-<surplus ordinal>)"},
	}
}
