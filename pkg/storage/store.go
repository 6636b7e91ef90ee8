package storage

import (
	"encoding/json"
	"errors"

	"github.com/cuemby/anvil/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// Record is the persisted form of one scheduled or ongoing reconcile of a
// controller. Scheduled records leave Step empty.
type Record struct {
	Key           types.ObjectRef `json:"key"`
	Snapshot      *types.Object   `json:"snapshot,omitempty"`
	Step          string          `json:"step,omitempty"`
	Scratch       json.RawMessage `json:"scratch,omitempty"`
	PendingRestID types.RestID    `json:"pendingRestId,omitempty"`
	NotBefore     uint64          `json:"notBefore,omitempty"`
	Tick          uint64          `json:"tick"`
}

// Store persists controller state so a crashed controller can recover its
// scheduled and ongoing keys
type Store interface {
	PutScheduled(controllerID string, rec *Record) error
	DeleteScheduled(controllerID string, key types.ObjectRef) error
	ListScheduled(controllerID string) ([]*Record, error)

	PutOngoing(controllerID string, rec *Record) error
	GetOngoing(controllerID string, key types.ObjectRef) (*Record, error)
	DeleteOngoing(controllerID string, key types.ObjectRef) error
	ListOngoing(controllerID string) ([]*Record, error)

	// StartReconcile moves key from scheduled to ongoing in one transaction
	StartReconcile(controllerID string, rec *Record) error
	// FinishReconcile removes the ongoing record of rec.Key and, when
	// requeue is set, schedules rec in the same transaction
	FinishReconcile(controllerID string, rec *Record, requeue bool) error

	// Controllers lists every controller id with persisted state
	Controllers() ([]string, error)

	Close() error
}
