// Package rely checks the rely/guarantee conditions controllers and built-in
// components declare through their footprints.
package rely

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/anvil/pkg/types"
	"github.com/hashicorp/go-multierror"
)

// Managed declares one kind of object a controller writes
type Managed struct {
	Kind types.Kind
	// Owned objects always carry the triggering CR as controller owner,
	// and the controller never writes an object controlled by someone else
	Owned bool
}

// Footprint is what a controller guarantees about its own requests: it only
// mutates the managed kinds, in the CR's namespace, under names prefixed by
// the CR name.
type Footprint struct {
	ControllerID string
	CRKind       types.Kind
	Managed      []Managed
}

// Manages returns the declaration for kind, if any
func (f Footprint) Manages(kind types.Kind) (Managed, bool) {
	for _, m := range f.Managed {
		if m.Kind == kind {
			return m, true
		}
	}
	return Managed{}, false
}

// Reader is the etcd view guarantee checks consult
type Reader interface {
	Get(ref types.ObjectRef) (*types.Object, bool)
}

// Admit checks that a set of controllers can be deployed together: ids and CR
// kinds are unique, and every kind written by two controllers is owned by
// both so neither can touch the other's objects.
func Admit(footprints []Footprint) error {
	var result *multierror.Error

	ids := make(map[string]bool)
	crKinds := make(map[types.Kind]string)
	for _, fp := range footprints {
		if ids[fp.ControllerID] {
			result = multierror.Append(result, fmt.Errorf("duplicate controller id %q", fp.ControllerID))
		}
		ids[fp.ControllerID] = true

		if other, ok := crKinds[fp.CRKind]; ok {
			result = multierror.Append(result, fmt.Errorf("controllers %q and %q both reconcile %s", other, fp.ControllerID, fp.CRKind))
		}
		crKinds[fp.CRKind] = fp.ControllerID
	}

	for i := range footprints {
		for j := i + 1; j < len(footprints); j++ {
			a, b := footprints[i], footprints[j]
			for _, ma := range a.Managed {
				mb, shared := b.Manages(ma.Kind)
				if !shared {
					continue
				}
				if !ma.Owned || !mb.Owned {
					result = multierror.Append(result, fmt.Errorf("controllers %q and %q both write %s without ownership guards", a.ControllerID, b.ControllerID, ma.Kind))
				}
			}
		}
	}

	return result.ErrorOrNil()
}

// Guarantee checks a single request sent by the controller described by fp
func Guarantee(fp Footprint, msg *types.Message, reader Reader) error {
	req := msg.Content.APIRequest
	if req == nil || !req.Op.IsMutation() {
		return nil
	}
	if msg.Src.Kind != types.HostController || msg.Src.ControllerID != fp.ControllerID {
		return nil
	}

	cr := msg.Src.Key
	kind := req.TargetKind()
	managed, ok := fp.Manages(kind)
	if !ok {
		return fmt.Errorf("%s: %s %s is outside the footprint of %s", msg, req.Op, kind, fp.ControllerID)
	}

	name, ns := targetName(req)
	if ns != cr.Namespace {
		return fmt.Errorf("%s: writes namespace %q outside %s", msg, ns, cr)
	}
	if !strings.HasPrefix(name, cr.Name) {
		return fmt.Errorf("%s: name %q lacks prefix %q", msg, name, cr.Name)
	}

	if !managed.Owned {
		return nil
	}

	if req.Obj != nil {
		if !ownedBy(req.Obj, fp.CRKind, cr) {
			return fmt.Errorf("%s: object is not controlled by %s", msg, cr)
		}
	}
	if req.OwnerRef != nil && (req.OwnerRef.Kind != fp.CRKind || req.OwnerRef.Ref() != cr) {
		return fmt.Errorf("%s: owner guard names %s, not %s", msg, req.OwnerRef.Ref(), cr)
	}
	if key, ok := req.Target(); ok && reader != nil {
		if stored, exists := reader.Get(key); exists && stored.ControllerRef() != nil && !ownedBy(stored, fp.CRKind, cr) {
			return fmt.Errorf("%s: stored object is controlled by %s", msg, stored.ControllerRef().Ref())
		}
	}
	return nil
}

// Rely checks what controller self assumes about everyone else: every
// in-flight request of another controller meets that controller's guarantee
func Rely(self string, footprints []Footprint, inFlight []*types.Message, reader Reader) error {
	byID := make(map[string]Footprint, len(footprints))
	for _, fp := range footprints {
		byID[fp.ControllerID] = fp
	}

	var result *multierror.Error
	for _, msg := range inFlight {
		if msg.Src.Kind != types.HostController || msg.Src.ControllerID == self {
			continue
		}
		fp, ok := byID[msg.Src.ControllerID]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%s: unknown controller %q", msg, msg.Src.ControllerID))
			continue
		}
		if err := Guarantee(fp, msg, reader); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// PodMonkeyGuarantee checks that a pod monkey request only touches pods
func PodMonkeyGuarantee(msg *types.Message) error {
	req := msg.Content.APIRequest
	if req == nil || msg.Src.Kind != types.HostPodMonkey {
		return nil
	}
	if req.TargetKind() != types.KindPod {
		return fmt.Errorf("%s: pod monkey touched %s", msg, req.TargetKind())
	}
	return nil
}

// GCGuarantee checks that the garbage collector only sends uid-guarded deletes
func GCGuarantee(msg *types.Message) error {
	req := msg.Content.APIRequest
	if req == nil || msg.Src.Kind != types.HostBuiltin {
		return nil
	}
	if req.Op != types.OpDelete {
		return fmt.Errorf("%s: garbage collector sent %s", msg, req.Op)
	}
	if req.Preconditions == nil || req.Preconditions.UID == 0 {
		return fmt.Errorf("%s: garbage collector delete lacks a uid precondition", msg)
	}
	return nil
}

// Describe renders a footprint for CLI output
func Describe(fp Footprint) string {
	parts := make([]string, 0, len(fp.Managed))
	for _, m := range fp.Managed {
		s := string(m.Kind)
		if m.Owned {
			s += "(owned)"
		}
		parts = append(parts, s)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s reconciles %s, writes %s", fp.ControllerID, fp.CRKind, strings.Join(parts, ", "))
}

func targetName(req *types.APIRequest) (name, namespace string) {
	if key, ok := req.Target(); ok {
		return key.Name, key.Namespace
	}
	if req.Obj != nil {
		return req.Obj.Metadata.GenerateName, req.Namespace
	}
	return "", req.Namespace
}

func ownedBy(obj *types.Object, crKind types.Kind, cr types.ObjectRef) bool {
	ref := obj.ControllerRef()
	return ref != nil && ref.Kind == crKind && ref.Ref() == cr
}
