// Package apiserver serves API requests against etcd and reports every
// accepted change as a watch event.
package apiserver

import (
	"reflect"
	"strconv"

	"github.com/cuemby/anvil/pkg/etcd"
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/metrics"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/labels"
)

// WatchEventType is the kind of change a watch event reports
type WatchEventType string

const (
	Added    WatchEventType = "ADDED"
	Modified WatchEventType = "MODIFIED"
	Deleted  WatchEventType = "DELETED"
)

// WatchEvent reports one accepted change to etcd
type WatchEvent struct {
	Type   WatchEventType
	Object *types.Object
}

// Server serves API requests against an etcd backend. It is driven one
// request at a time by the cluster and is not safe for concurrent use.
type Server struct {
	store  etcd.Backend
	codecs *types.Registry
	alloc  *types.Allocator
	busy   bool
	logger zerolog.Logger
}

// New creates an API server
func New(store etcd.Backend, codecs *types.Registry, alloc *types.Allocator) *Server {
	return &Server{
		store:  store,
		codecs: codecs,
		alloc:  alloc,
		logger: log.WithComponent("apiserver"),
	}
}

// SetBusy toggles busy mode. While busy every request fails with ServerBusy.
func (s *Server) SetBusy(busy bool) {
	s.busy = busy
}

// Busy reports whether busy mode is on
func (s *Server) Busy() bool {
	return s.busy
}

// Store returns the backing etcd
func (s *Server) Store() etcd.Backend {
	return s.store
}

// Handle serves one request. now stamps deletion timestamps.
func (s *Server) Handle(req *types.APIRequest, now types.Timestamp) (*types.APIResponse, []WatchEvent) {
	var (
		resp   *types.APIResponse
		events []WatchEvent
	)

	if s.busy {
		resp = fail(req.Op, types.ErrServerBusy)
	} else {
		switch req.Op {
		case types.OpCreate:
			resp, events = s.create(req)
		case types.OpUpdate:
			resp, events = s.update(req)
		case types.OpGetThenUpdate:
			resp, events = s.getThenUpdate(req)
		case types.OpDelete:
			resp, events = s.delete(req, now)
		case types.OpGetThenDelete:
			resp, events = s.getThenDelete(req, now)
		case types.OpGet:
			resp = s.get(req)
		case types.OpList:
			resp = s.list(req)
		default:
			resp = fail(req.Op, types.ErrInvalid)
		}
	}

	result := "ok"
	if !resp.IsOK() {
		result = string(resp.Err)
	}
	metrics.APIRequestsTotal.WithLabelValues(string(req.Op), result).Inc()

	s.logger.Debug().
		Str("op", string(req.Op)).
		Str("kind", string(req.TargetKind())).
		Str("result", result).
		Int("events", len(events)).
		Msg("handled request")

	return resp, events
}

func fail(op types.APIOp, kind types.ErrorKind) *types.APIResponse {
	return &types.APIResponse{Op: op, Err: kind}
}

func ok(op types.APIOp, obj *types.Object) *types.APIResponse {
	return &types.APIResponse{Op: op, Obj: obj.DeepCopy()}
}

// validate checks the parts of an incoming object the server can judge
// without the stored copy
func (s *Server) validate(obj *types.Object) types.ErrorKind {
	if !obj.Kind.Valid() {
		return types.ErrInvalid
	}
	if obj.ControllerRefCount() > 1 {
		return types.ErrInvalid
	}
	codec, known := s.codecs.Codec(obj.Kind)
	if !known {
		return types.ErrInvalid
	}
	if err := codec.Validate(obj.Spec); err != nil {
		return types.ErrInvalid
	}
	return types.ErrNone
}

func (s *Server) create(req *types.APIRequest) (*types.APIResponse, []WatchEvent) {
	if req.Obj == nil {
		return fail(req.Op, types.ErrInvalid), nil
	}
	obj := req.Obj.DeepCopy()
	if obj.Metadata.Namespace == "" {
		obj.Metadata.Namespace = req.Namespace
	}
	if obj.Metadata.Namespace != req.Namespace {
		return fail(req.Op, types.ErrInvalid), nil
	}
	if errKind := s.validate(obj); errKind != types.ErrNone {
		return fail(req.Op, errKind), nil
	}

	if obj.Metadata.Name == "" {
		if obj.Metadata.GenerateName == "" {
			return fail(req.Op, types.ErrInvalid), nil
		}
		obj.Metadata.Name = obj.Metadata.GenerateName + strconv.FormatUint(s.alloc.Next(), 36)
	}

	if _, exists := s.store.Get(obj.Ref()); exists {
		return fail(req.Op, types.ErrAlreadyExists), nil
	}

	obj.Metadata.UID = types.UID(s.alloc.Next())
	obj.Metadata.ResourceVersion = types.ResourceVersion(s.alloc.Next())
	obj.Metadata.DeletionTimestamp = nil

	if err := s.store.Put(obj); err != nil {
		s.logger.Error().Err(err).Str("key", obj.Ref().String()).Msg("failed to store created object")
		return fail(req.Op, types.ErrInvalid), nil
	}
	return ok(req.Op, obj), []WatchEvent{{Type: Added, Object: obj}}
}

func (s *Server) update(req *types.APIRequest) (*types.APIResponse, []WatchEvent) {
	if req.Obj == nil {
		return fail(req.Op, types.ErrInvalid), nil
	}
	obj := req.Obj.DeepCopy()
	if obj.Metadata.Namespace == "" {
		obj.Metadata.Namespace = req.Key.Namespace
	}
	if obj.Ref() != req.Key {
		return fail(req.Op, types.ErrInvalid), nil
	}
	if errKind := s.validate(obj); errKind != types.ErrNone {
		return fail(req.Op, errKind), nil
	}

	stored, exists := s.store.Get(req.Key)
	if !exists {
		return fail(req.Op, types.ErrNotFound), nil
	}
	// zero uid and zero resource version make the update unconditional
	if obj.Metadata.UID != 0 && obj.Metadata.UID != stored.Metadata.UID {
		return fail(req.Op, types.ErrConflict), nil
	}
	if obj.Metadata.ResourceVersion != 0 && obj.Metadata.ResourceVersion != stored.Metadata.ResourceVersion {
		return fail(req.Op, types.ErrConflict), nil
	}

	return s.replace(req.Op, stored, obj)
}

// replace writes the content of obj over stored, keeping identity
func (s *Server) replace(op types.APIOp, stored, obj *types.Object) (*types.APIResponse, []WatchEvent) {
	next := stored.DeepCopy()
	next.Spec = obj.Spec
	next.Metadata.Labels = obj.Metadata.Labels
	next.Metadata.OwnerReferences = obj.Metadata.OwnerReferences
	next.Metadata.Finalizers = obj.Metadata.Finalizers

	if stored.IsTerminating() && len(next.Metadata.Finalizers) == 0 {
		if err := s.store.Delete(stored.Ref()); err != nil {
			s.logger.Error().Err(err).Str("key", stored.Ref().String()).Msg("failed to remove finalized object")
			return fail(op, types.ErrInvalid), nil
		}
		return ok(op, next), []WatchEvent{{Type: Deleted, Object: next}}
	}

	if s.unchanged(stored, next) {
		return ok(op, stored), nil
	}

	next.Metadata.ResourceVersion = types.ResourceVersion(s.alloc.Next())
	if err := s.store.Put(next); err != nil {
		s.logger.Error().Err(err).Str("key", stored.Ref().String()).Msg("failed to store updated object")
		return fail(op, types.ErrInvalid), nil
	}
	return ok(op, next), []WatchEvent{{Type: Modified, Object: next}}
}

func (s *Server) unchanged(a, b *types.Object) bool {
	return s.codecs.SpecEqual(a.Kind, a.Spec, b.Spec) &&
		labels.Equals(a.Metadata.Labels, b.Metadata.Labels) &&
		equalOwnerRefs(a.Metadata.OwnerReferences, b.Metadata.OwnerReferences) &&
		equalStrings(a.Metadata.Finalizers, b.Metadata.Finalizers)
}

// ownerGuard checks that owner is a controller reference held by stored
func ownerGuard(stored *types.Object, owner *types.OwnerReference) types.ErrorKind {
	if owner == nil || !owner.Controller {
		return types.ErrForbidden
	}
	if !stored.HasOwnerRef(*owner) {
		return types.ErrForbidden
	}
	return types.ErrNone
}

func (s *Server) getThenUpdate(req *types.APIRequest) (*types.APIResponse, []WatchEvent) {
	if req.Obj == nil {
		return fail(req.Op, types.ErrInvalid), nil
	}
	obj := req.Obj.DeepCopy()
	if obj.Metadata.Namespace == "" {
		obj.Metadata.Namespace = req.Key.Namespace
	}
	if obj.Ref() != req.Key {
		return fail(req.Op, types.ErrInvalid), nil
	}
	if errKind := s.validate(obj); errKind != types.ErrNone {
		return fail(req.Op, errKind), nil
	}

	stored, exists := s.store.Get(req.Key)
	if !exists {
		return fail(req.Op, types.ErrNotFound), nil
	}
	if errKind := ownerGuard(stored, req.OwnerRef); errKind != types.ErrNone {
		return fail(req.Op, errKind), nil
	}

	return s.replace(req.Op, stored, obj)
}

func (s *Server) delete(req *types.APIRequest, now types.Timestamp) (*types.APIResponse, []WatchEvent) {
	stored, exists := s.store.Get(req.Key)
	if !exists {
		return &types.APIResponse{Op: req.Op}, nil
	}
	if req.Preconditions != nil && req.Preconditions.UID != 0 && req.Preconditions.UID != stored.Metadata.UID {
		return fail(req.Op, types.ErrConflict), nil
	}
	return s.remove(req.Op, stored, now)
}

func (s *Server) getThenDelete(req *types.APIRequest, now types.Timestamp) (*types.APIResponse, []WatchEvent) {
	stored, exists := s.store.Get(req.Key)
	if !exists {
		return fail(req.Op, types.ErrNotFound), nil
	}
	if errKind := ownerGuard(stored, req.OwnerRef); errKind != types.ErrNone {
		return fail(req.Op, errKind), nil
	}
	return s.remove(req.Op, stored, now)
}

// remove deletes stored, or marks it terminating while finalizers remain
func (s *Server) remove(op types.APIOp, stored *types.Object, now types.Timestamp) (*types.APIResponse, []WatchEvent) {
	if len(stored.Metadata.Finalizers) > 0 {
		if stored.IsTerminating() {
			return ok(op, stored), nil
		}
		next := stored.DeepCopy()
		ts := now
		next.Metadata.DeletionTimestamp = &ts
		next.Metadata.ResourceVersion = types.ResourceVersion(s.alloc.Next())
		if err := s.store.Put(next); err != nil {
			s.logger.Error().Err(err).Str("key", stored.Ref().String()).Msg("failed to mark object terminating")
			return fail(op, types.ErrInvalid), nil
		}
		return ok(op, next), []WatchEvent{{Type: Modified, Object: next}}
	}

	if err := s.store.Delete(stored.Ref()); err != nil {
		s.logger.Error().Err(err).Str("key", stored.Ref().String()).Msg("failed to delete object")
		return fail(op, types.ErrInvalid), nil
	}
	return ok(op, stored), []WatchEvent{{Type: Deleted, Object: stored}}
}

func (s *Server) get(req *types.APIRequest) *types.APIResponse {
	stored, exists := s.store.Get(req.Key)
	if !exists {
		return fail(req.Op, types.ErrNotFound)
	}
	return &types.APIResponse{Op: req.Op, Obj: stored}
}

func (s *Server) list(req *types.APIRequest) *types.APIResponse {
	if !req.ListKind.Valid() {
		return fail(req.Op, types.ErrInvalid)
	}
	selector, err := labels.Parse(req.LabelSelector)
	if err != nil {
		return fail(req.Op, types.ErrInvalid)
	}

	var objs []*types.Object
	for _, obj := range s.store.List(req.ListKind, req.Namespace) {
		if selector.Matches(labels.Set(obj.Metadata.Labels)) {
			objs = append(objs, obj)
		}
	}
	return &types.APIResponse{Op: req.Op, Objs: objs}
}

func equalOwnerRefs(a, b []types.OwnerReference) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
