// Package types defines the objects, requests and messages shared by every
// component of the cluster.
package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the type of an object stored in etcd
type Kind string

const (
	KindConfigMap             Kind = "ConfigMap"
	KindSecret                Kind = "Secret"
	KindService               Kind = "Service"
	KindStatefulSet           Kind = "StatefulSet"
	KindPod                   Kind = "Pod"
	KindPersistentVolumeClaim Kind = "PersistentVolumeClaim"

	// Custom resource kinds
	KindRabbitmqCluster  Kind = "RabbitmqCluster"
	KindZookeeperCluster Kind = "ZookeeperCluster"
	KindVReplicaSet      Kind = "VReplicaSet"
	KindVDeployment      Kind = "VDeployment"
	KindVStatefulSet     Kind = "VStatefulSet"
	KindSimpleCR         Kind = "SimpleCR"
)

var builtinKinds = map[Kind]bool{
	KindConfigMap:             true,
	KindSecret:                true,
	KindService:               true,
	KindStatefulSet:           true,
	KindPod:                   true,
	KindPersistentVolumeClaim: true,
}

var customKinds = map[Kind]bool{
	KindRabbitmqCluster:  true,
	KindZookeeperCluster: true,
	KindVReplicaSet:      true,
	KindVDeployment:      true,
	KindVStatefulSet:     true,
	KindSimpleCR:         true,
}

// Valid reports whether the kind belongs to the closed set of known kinds
func (k Kind) Valid() bool {
	return builtinKinds[k] || customKinds[k]
}

// IsCustom reports whether the kind is a custom resource kind
func (k Kind) IsCustom() bool {
	return customKinds[k]
}

// CustomKinds returns every custom resource kind in name order
func CustomKinds() []Kind {
	kinds := make([]Kind, 0, len(customKinds))
	for k := range customKinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ObjectRef uniquely identifies an object within etcd
type ObjectRef struct {
	Kind      Kind   `json:"kind"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// NewRef builds an ObjectRef
func NewRef(kind Kind, namespace, name string) ObjectRef {
	return ObjectRef{Kind: kind, Namespace: namespace, Name: name}
}

// IsZero reports whether the ref is unset
func (r ObjectRef) IsZero() bool {
	return r == ObjectRef{}
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

// ParseRef parses the "Kind/namespace/name" form produced by String
func ParseRef(s string) (ObjectRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ObjectRef{}, fmt.Errorf("invalid object ref %q", s)
	}
	return ObjectRef{Kind: Kind(parts[0]), Namespace: parts[1], Name: parts[2]}, nil
}

// UID is assigned from the cluster allocator on first create and never reused
type UID uint64

// ResourceVersion advances on every accepted change to an object
type ResourceVersion uint64

// Timestamp is a logical cluster tick
type Timestamp uint64

// OwnerReference points at an owner by (kind, namespace, name, uid)
type OwnerReference struct {
	Kind       Kind   `json:"kind"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	UID        UID    `json:"uid"`
	Controller bool   `json:"controller"`
}

// Ref returns the owner's object key
func (o OwnerReference) Ref() ObjectRef {
	return ObjectRef{Kind: o.Kind, Namespace: o.Namespace, Name: o.Name}
}

// Metadata holds identity and bookkeeping fields of an object
type Metadata struct {
	Name              string            `json:"name,omitempty"`
	GenerateName      string            `json:"generateName,omitempty"`
	Namespace         string            `json:"namespace"`
	UID               UID               `json:"uid,omitempty"`
	ResourceVersion   ResourceVersion   `json:"resourceVersion,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	OwnerReferences   []OwnerReference  `json:"ownerReferences,omitempty"`
	DeletionTimestamp *Timestamp        `json:"deletionTimestamp,omitempty"`
	Finalizers        []string          `json:"finalizers,omitempty"`
}

// Object is a stored resource. Spec is opaque to the runtime.
type Object struct {
	Kind     Kind            `json:"kind"`
	Metadata Metadata        `json:"metadata"`
	Spec     json.RawMessage `json:"spec,omitempty"`
}

// NewObject builds an object with the given spec marshalled as JSON
func NewObject(kind Kind, namespace, name string, spec interface{}) (*Object, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s spec: %w", kind, err)
	}
	return &Object{
		Kind:     kind,
		Metadata: Metadata{Name: name, Namespace: namespace},
		Spec:     raw,
	}, nil
}

// MustSpec marshals v and panics on failure. Intended for static specs.
func MustSpec(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal spec: %v", err))
	}
	return raw
}

// Ref returns the etcd key of the object
func (o *Object) Ref() ObjectRef {
	return ObjectRef{Kind: o.Kind, Namespace: o.Metadata.Namespace, Name: o.Metadata.Name}
}

// UnmarshalSpec decodes the spec into v
func (o *Object) UnmarshalSpec(v interface{}) error {
	if len(o.Spec) == 0 {
		return fmt.Errorf("%s has an empty spec", o.Ref())
	}
	return json.Unmarshal(o.Spec, v)
}

// ControllerRef returns the owner reference marked as controller, if any
func (o *Object) ControllerRef() *OwnerReference {
	for i := range o.Metadata.OwnerReferences {
		if o.Metadata.OwnerReferences[i].Controller {
			ref := o.Metadata.OwnerReferences[i]
			return &ref
		}
	}
	return nil
}

// ControllerRefCount counts owner references marked as controller
func (o *Object) ControllerRefCount() int {
	n := 0
	for _, ref := range o.Metadata.OwnerReferences {
		if ref.Controller {
			n++
		}
	}
	return n
}

// HasOwnerRef reports whether ref is among the owner references
func (o *Object) HasOwnerRef(ref OwnerReference) bool {
	for _, r := range o.Metadata.OwnerReferences {
		if r == ref {
			return true
		}
	}
	return false
}

// IsControlledBy reports whether owner is the controller of o
func (o *Object) IsControlledBy(owner *Object) bool {
	ref := o.ControllerRef()
	return ref != nil && ref.UID == owner.Metadata.UID && ref.Ref() == owner.Ref()
}

// ControllerOwnerRef builds the controller owner reference pointing at o
func (o *Object) ControllerOwnerRef() OwnerReference {
	return OwnerReference{
		Kind:       o.Kind,
		Namespace:  o.Metadata.Namespace,
		Name:       o.Metadata.Name,
		UID:        o.Metadata.UID,
		Controller: true,
	}
}

// IsTerminating reports whether deletion has been requested
func (o *Object) IsTerminating() bool {
	return o.Metadata.DeletionTimestamp != nil
}

// DeepCopy returns an independent copy of the object
func (o *Object) DeepCopy() *Object {
	if o == nil {
		return nil
	}
	out := *o
	if o.Spec != nil {
		out.Spec = append(json.RawMessage(nil), o.Spec...)
	}
	if o.Metadata.Labels != nil {
		out.Metadata.Labels = make(map[string]string, len(o.Metadata.Labels))
		for k, v := range o.Metadata.Labels {
			out.Metadata.Labels[k] = v
		}
	}
	if o.Metadata.OwnerReferences != nil {
		out.Metadata.OwnerReferences = append([]OwnerReference(nil), o.Metadata.OwnerReferences...)
	}
	if o.Metadata.Finalizers != nil {
		out.Metadata.Finalizers = append([]string(nil), o.Metadata.Finalizers...)
	}
	if o.Metadata.DeletionTimestamp != nil {
		ts := *o.Metadata.DeletionTimestamp
		out.Metadata.DeletionTimestamp = &ts
	}
	return &out
}
