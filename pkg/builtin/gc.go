package builtin

import (
	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Reader is the etcd view the garbage collector scans
type Reader interface {
	All() []*types.Object
	GetByUID(uid types.UID) (*types.Object, bool)
}

// GarbageCollector deletes objects whose owners are all gone. It only ever
// emits uid-guarded Delete requests, so a recreated object that reuses an
// orphan's name is never collected by mistake.
type GarbageCollector struct {
	logger zerolog.Logger
}

// NewGarbageCollector creates a garbage collector
func NewGarbageCollector() *GarbageCollector {
	return &GarbageCollector{logger: log.WithComponent("gc")}
}

// ownerExists reports whether ref still names a live object with its uid
func ownerExists(store Reader, ref types.OwnerReference) bool {
	owner, ok := store.GetByUID(ref.UID)
	return ok && owner.Ref() == ref.Ref()
}

// IsOrphan reports whether obj has owner references and every one of them
// points at an object that no longer exists
func IsOrphan(store Reader, obj *types.Object) bool {
	if len(obj.Metadata.OwnerReferences) == 0 {
		return false
	}
	for _, ref := range obj.Metadata.OwnerReferences {
		if ownerExists(store, ref) {
			return false
		}
	}
	return true
}

// Orphans returns every orphaned object in etcd
func Orphans(store Reader) []*types.Object {
	var out []*types.Object
	for _, obj := range store.All() {
		if IsOrphan(store, obj) {
			out = append(out, obj)
		}
	}
	return out
}

// PendingDeletes returns the keys the collector already has deletes in
// flight for
func PendingDeletes(inFlight []*types.Message) sets.Set[types.ObjectRef] {
	pending := sets.New[types.ObjectRef]()
	for _, msg := range inFlight {
		if msg.Src.Kind == types.HostBuiltin && msg.Content.APIRequest != nil {
			pending.Insert(msg.Content.APIRequest.Key)
		}
	}
	return pending
}

// Next returns the delete request for the first orphan that has no delete
// in flight and is not already terminating, or nil when there is nothing
// to collect
func (gc *GarbageCollector) Next(store Reader, inFlight []*types.Message) *types.APIRequest {
	pending := PendingDeletes(inFlight)
	for _, obj := range Orphans(store) {
		if obj.IsTerminating() || pending.Has(obj.Ref()) {
			continue
		}
		gc.logger.Debug().
			Str("key", obj.Ref().String()).
			Uint64("uid", uint64(obj.Metadata.UID)).
			Msg("collecting orphan")
		req := types.DeleteRequest(obj.Ref())
		req.Preconditions = &types.Preconditions{UID: obj.Metadata.UID}
		return req
	}
	return nil
}
