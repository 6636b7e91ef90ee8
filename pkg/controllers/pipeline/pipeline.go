package pipeline

import (
	"bytes"
	"fmt"

	"github.com/cuemby/anvil/pkg/reconciler"
	"github.com/cuemby/anvil/pkg/rely"
	"github.com/cuemby/anvil/pkg/types"
	"k8s.io/apimachinery/pkg/labels"
)

// Mode selects how a stage brings its resource in line with the CR
type Mode int

const (
	// CreateOnly creates the resource; an existing one is accepted as is
	CreateOnly Mode = iota
	// Converge reads the resource, then creates it when missing or updates
	// it when its spec or labels diverge
	Converge
	// External sends one request to the controller's external system
	External
)

// Stage is one resource of a pipeline
type Stage struct {
	Name string
	Kind types.Kind
	Mode Mode
	// Build returns the desired object for cr, owner reference included
	Build func(cr *types.Object) *types.Object
	// Request returns the external request of an External stage
	Request func(cr *types.Object) *types.ExternalRequest
}

type phase int

const (
	phaseGet phase = iota
	phaseCreate
	phaseUpdate
	phaseExternal
)

type position struct {
	stage int
	phase phase
}

// Pipeline reconciles a CR by walking its stages in order, one request per
// step. Steps are named AfterGet<Stage>, AfterCreate<Stage>,
// AfterUpdate<Stage> and After<Stage> for external stages.
type Pipeline struct {
	stages []Stage
	steps  map[reconciler.Step]position
	order  []reconciler.Step
}

// New builds a pipeline. Stage names must be unique.
func New(stages ...Stage) *Pipeline {
	p := &Pipeline{stages: stages, steps: make(map[reconciler.Step]position)}
	for i, s := range stages {
		switch s.Mode {
		case CreateOnly:
			p.add(StepAfter("Create", s.Name), position{i, phaseCreate})
		case Converge:
			p.add(StepAfter("Get", s.Name), position{i, phaseGet})
			p.add(StepAfter("Create", s.Name), position{i, phaseCreate})
			p.add(StepAfter("Update", s.Name), position{i, phaseUpdate})
		case External:
			p.add(StepAfter("", s.Name), position{i, phaseExternal})
		}
	}
	return p
}

func (p *Pipeline) add(step reconciler.Step, pos position) {
	if _, dup := p.steps[step]; dup {
		panic(fmt.Sprintf("pipeline: duplicate step %s", step))
	}
	p.steps[step] = pos
	p.order = append(p.order, step)
}

// StepAfter names the step that waits for verb on stage
func StepAfter(verb, stage string) reconciler.Step {
	return reconciler.Step("After" + verb + stage)
}

// Steps returns every non-terminal step in pipeline order
func (p *Pipeline) Steps() []reconciler.Step {
	return append([]reconciler.Step(nil), p.order...)
}

// Reconcile is the reconcile_core of the pipeline
func (p *Pipeline) Reconcile(cr *types.Object, resp *types.Response, state reconciler.LocalState) (reconciler.LocalState, *types.Request) {
	if state.Step == reconciler.StepInit {
		return p.enter(cr, 0)
	}
	pos, ok := p.steps[state.Step]
	if !ok || resp == nil {
		return reconciler.At(reconciler.StepError), nil
	}
	stage := p.stages[pos.stage]

	if pos.phase == phaseExternal {
		if resp.External != nil && resp.External.Err == "" {
			return p.enter(cr, pos.stage+1)
		}
		return reconciler.At(reconciler.StepError), nil
	}

	api := resp.API
	if api == nil {
		return reconciler.At(reconciler.StepError), nil
	}

	switch pos.phase {
	case phaseGet:
		switch {
		case api.IsOK() && api.Obj != nil:
			if !api.Obj.IsControlledBy(cr) {
				return reconciler.At(reconciler.StepError), nil
			}
			desired := stage.Build(cr)
			if Matches(api.Obj, desired) {
				return p.enter(cr, pos.stage+1)
			}
			return reconciler.At(StepAfter("Update", stage.Name)), types.APIReq(types.UpdateRequest(Merge(api.Obj, desired)))
		case api.Err == types.ErrNotFound:
			return reconciler.At(StepAfter("Create", stage.Name)), types.APIReq(types.CreateRequest(stage.Build(cr)))
		}
	case phaseCreate:
		if api.IsOK() || (stage.Mode == CreateOnly && api.Err == types.ErrAlreadyExists) {
			return p.enter(cr, pos.stage+1)
		}
	case phaseUpdate:
		if api.IsOK() {
			return p.enter(cr, pos.stage+1)
		}
	}
	return reconciler.At(reconciler.StepError), nil
}

// enter issues the first request of stage i, or finishes
func (p *Pipeline) enter(cr *types.Object, i int) (reconciler.LocalState, *types.Request) {
	if i >= len(p.stages) {
		return reconciler.At(reconciler.StepDone), nil
	}
	s := p.stages[i]
	switch s.Mode {
	case CreateOnly:
		return reconciler.At(StepAfter("Create", s.Name)), types.APIReq(types.CreateRequest(s.Build(cr)))
	case Converge:
		return reconciler.At(StepAfter("Get", s.Name)), types.APIReq(types.GetRequest(s.Build(cr).Ref()))
	default:
		return reconciler.At(StepAfter("", s.Name)), types.ExternalReq(s.Request(cr))
	}
}

// IsCorrectPending holds when req is the request the pipeline sends at step
func (p *Pipeline) IsCorrectPending(step reconciler.Step, req *types.Request, cr *types.Object) bool {
	pos, ok := p.steps[step]
	if !ok || req == nil {
		return false
	}
	stage := p.stages[pos.stage]

	if pos.phase == phaseExternal {
		want := stage.Request(cr)
		return req.External != nil && req.External.Op == want.Op && bytes.Equal(req.External.Payload, want.Payload)
	}
	if req.API == nil {
		return false
	}
	desired := stage.Build(cr)
	switch pos.phase {
	case phaseGet:
		return req.API.Op == types.OpGet && req.API.Key == desired.Ref()
	case phaseCreate:
		return req.API.Op == types.OpCreate && req.API.Obj != nil &&
			req.API.Obj.Ref() == desired.Ref() && Matches(req.API.Obj, desired)
	case phaseUpdate:
		return req.API.Op == types.OpUpdate && req.API.Key == desired.Ref() &&
			req.API.Obj != nil && Matches(req.API.Obj, desired)
	}
	return false
}

// CurrentStateMatches holds when every API stage's resource exists under
// cr's control, and converged stages carry the desired spec
func (p *Pipeline) CurrentStateMatches(cr *types.Object, reader reconciler.Reader) bool {
	for _, s := range p.stages {
		if s.Mode == External {
			continue
		}
		desired := s.Build(cr)
		found, ok := reader.Get(desired.Ref())
		if !ok || !found.IsControlledBy(cr) {
			return false
		}
		if s.Mode == Converge && !Matches(found, desired) {
			return false
		}
	}
	return true
}

// PhaseTable lists the request pending at every step
func (p *Pipeline) PhaseTable() []reconciler.Phase {
	out := make([]reconciler.Phase, 0, len(p.order))
	for _, step := range p.order {
		pos := p.steps[step]
		s := p.stages[pos.stage]
		var pending string
		switch pos.phase {
		case phaseGet:
			pending = fmt.Sprintf("Get(%s/%s)", s.Kind, s.Name)
		case phaseCreate:
			pending = fmt.Sprintf("Create(%s/%s)", s.Kind, s.Name)
		case phaseUpdate:
			pending = fmt.Sprintf("Update(%s/%s)", s.Kind, s.Name)
		case phaseExternal:
			pending = fmt.Sprintf("External(%s)", s.Name)
		}
		out = append(out, reconciler.Phase{Step: step, Pending: pending})
	}
	return out
}

// Managed declares every kind the pipeline writes; all of them are owned
func (p *Pipeline) Managed() []rely.Managed {
	var out []rely.Managed
	seen := make(map[types.Kind]bool)
	for _, s := range p.stages {
		if s.Mode == External || seen[s.Kind] {
			continue
		}
		seen[s.Kind] = true
		out = append(out, rely.Managed{Kind: s.Kind, Owned: true})
	}
	return out
}

// Matches reports whether found carries desired's spec and labels. Extra
// labels on found are allowed.
func Matches(found, desired *types.Object) bool {
	if !(types.RawCodec{}).Equal(found.Spec, desired.Spec) {
		return false
	}
	return labels.SelectorFromSet(desired.Metadata.Labels).Matches(labels.Set(found.Metadata.Labels))
}

// Merge returns found with desired's spec, labels and owner references,
// keeping found's identity so the update is guarded by its resource version
func Merge(found, desired *types.Object) *types.Object {
	out := found.DeepCopy()
	out.Spec = append(out.Spec[:0:0], desired.Spec...)
	if out.Metadata.Labels == nil && len(desired.Metadata.Labels) > 0 {
		out.Metadata.Labels = make(map[string]string, len(desired.Metadata.Labels))
	}
	for k, v := range desired.Metadata.Labels {
		out.Metadata.Labels[k] = v
	}
	out.Metadata.OwnerReferences = append([]types.OwnerReference(nil), desired.Metadata.OwnerReferences...)
	return out
}

// Owned builds an object named name in cr's namespace, controlled by cr
func Owned(cr *types.Object, kind types.Kind, name string, lbls map[string]string, spec interface{}) *types.Object {
	return &types.Object{
		Kind: kind,
		Metadata: types.Metadata{
			Name:            name,
			Namespace:       cr.Metadata.Namespace,
			Labels:          lbls,
			OwnerReferences: []types.OwnerReference{cr.ControllerOwnerRef()},
		},
		Spec: types.MustSpec(spec),
	}
}
