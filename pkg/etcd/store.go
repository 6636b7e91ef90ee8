// Package etcd holds the cluster's object store: an in-memory keyspace with
// resource versions, optionally replicated through raft.
package etcd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cuemby/anvil/pkg/types"
	"github.com/hashicorp/raft"
)

// ErrNotFound is returned when deleting a key that is not stored
var ErrNotFound = errors.New("object not found")

// Backend is the object store behind the API server. Reads return deep
// copies; writes go through Put and Delete only.
type Backend interface {
	Get(ref types.ObjectRef) (*types.Object, bool)
	GetByUID(uid types.UID) (*types.Object, bool)
	List(kind types.Kind, namespace string) []*types.Object
	All() []*types.Object
	Len() int
	CountByKind() map[types.Kind]int
	Put(obj *types.Object) error
	Delete(ref types.ObjectRef) error
}

const (
	opPut    = "put"
	opDelete = "delete"
)

// Command is one mutation in the etcd log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NewPutCommand encodes a put of obj
func NewPutCommand(obj *types.Object) (Command, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal object: %w", err)
	}
	return Command{Op: opPut, Data: data}, nil
}

// NewDeleteCommand encodes a delete of ref
func NewDeleteCommand(ref types.ObjectRef) (Command, error) {
	data, err := json.Marshal(ref)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal ref: %w", err)
	}
	return Command{Op: opDelete, Data: data}, nil
}

// Store is the in-memory etcd. Objects are keyed by ref; a uid index serves
// owner lookups so owner references never need pointers. Store also
// implements raft.FSM so the same state machine backs ReplicatedStore.
type Store struct {
	mu      sync.RWMutex
	objects map[types.ObjectRef]*types.Object
	byUID   map[types.UID]types.ObjectRef
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		objects: make(map[types.ObjectRef]*types.Object),
		byUID:   make(map[types.UID]types.ObjectRef),
	}
}

// Get returns a copy of the object stored at ref
func (s *Store) Get(ref types.ObjectRef) (*types.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[ref]
	if !ok {
		return nil, false
	}
	return obj.DeepCopy(), true
}

// GetByUID returns a copy of the object with the given uid
func (s *Store) GetByUID(uid types.UID) (*types.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.byUID[uid]
	if !ok {
		return nil, false
	}
	return s.objects[ref].DeepCopy(), true
}

// List returns copies of every object of kind in namespace, sorted by name.
// An empty namespace lists across namespaces.
func (s *Store) List(kind types.Kind, namespace string) []*types.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Object
	for ref, obj := range s.objects {
		if ref.Kind != kind {
			continue
		}
		if namespace != "" && ref.Namespace != namespace {
			continue
		}
		out = append(out, obj.DeepCopy())
	}
	sortObjects(out)
	return out
}

// All returns copies of every stored object, sorted by ref
func (s *Store) All() []*types.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Object, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj.DeepCopy())
	}
	sortObjects(out)
	return out
}

// Len returns the number of stored objects
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// CountByKind returns the number of stored objects per kind
func (s *Store) CountByKind() map[types.Kind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.Kind]int)
	for ref := range s.objects {
		out[ref.Kind]++
	}
	return out
}

// Put stores obj at its ref, replacing any previous object
func (s *Store) Put(obj *types.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(obj.DeepCopy())
}

// Delete removes the object at ref
func (s *Store) Delete(ref types.ObjectRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(ref)
}

func (s *Store) put(obj *types.Object) error {
	ref := obj.Ref()
	if !ref.Kind.Valid() || ref.Name == "" {
		return fmt.Errorf("cannot store %s: invalid key", ref)
	}
	if obj.Metadata.UID == 0 {
		return fmt.Errorf("cannot store %s: missing uid", ref)
	}
	if old, ok := s.objects[ref]; ok && old.Metadata.UID != obj.Metadata.UID {
		delete(s.byUID, old.Metadata.UID)
	}
	s.objects[ref] = obj
	s.byUID[obj.Metadata.UID] = ref
	return nil
}

func (s *Store) delete(ref types.ObjectRef) error {
	obj, ok := s.objects[ref]
	if !ok {
		return fmt.Errorf("delete %s: %w", ref, ErrNotFound)
	}
	delete(s.byUID, obj.Metadata.UID)
	delete(s.objects, ref)
	return nil
}

func (s *Store) applyCommand(cmd Command) error {
	switch cmd.Op {
	case opPut:
		var obj types.Object
		if err := json.Unmarshal(cmd.Data, &obj); err != nil {
			return err
		}
		return s.put(&obj)

	case opDelete:
		var ref types.ObjectRef
		if err := json.Unmarshal(cmd.Data, &ref); err != nil {
			return err
		}
		return s.delete(ref)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Apply applies a committed Raft log entry
func (s *Store) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyCommand(cmd)
}

// Snapshot captures every stored object for log compaction
func (s *Store) Snapshot() (raft.FSMSnapshot, error) {
	return &Snapshot{Objects: s.All()}, nil
}

// Restore replaces the store contents with a snapshot
func (s *Store) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects = make(map[types.ObjectRef]*types.Object, len(snapshot.Objects))
	s.byUID = make(map[types.UID]types.ObjectRef, len(snapshot.Objects))
	for _, obj := range snapshot.Objects {
		if err := s.put(obj); err != nil {
			return fmt.Errorf("failed to restore object: %w", err)
		}
	}
	return nil
}

// Snapshot is a point-in-time copy of etcd
type Snapshot struct {
	Objects []*types.Object `json:"objects"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *Snapshot) Release() {}

func sortObjects(objs []*types.Object) {
	sort.Slice(objs, func(i, j int) bool {
		a, b := objs[i].Ref(), objs[j].Ref()
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Namespace != b.Namespace {
			return a.Namespace < b.Namespace
		}
		return a.Name < b.Name
	})
}
