package etcd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/anvil/pkg/log"
	"github.com/cuemby/anvil/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

const applyTimeout = 5 * time.Second

// ReplicatedConfig configures a ReplicatedStore
type ReplicatedConfig struct {
	NodeID string
	// DataDir holds the Raft log, stable store and snapshots. Empty keeps
	// everything in memory.
	DataDir       string
	LeaderTimeout time.Duration
}

// ReplicatedStore routes every etcd mutation through a single-node Raft
// group and serves reads from the local FSM
type ReplicatedStore struct {
	*Store
	raft      *raft.Raft
	closers   []io.Closer
	transport raft.Transport
}

// OpenReplicated bootstraps a single-node Raft group around a fresh Store
// and waits for it to become leader
func OpenReplicated(cfg ReplicatedConfig) (*ReplicatedStore, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = "etcd-0"
	}
	if cfg.LeaderTimeout <= 0 {
		cfg.LeaderTimeout = 10 * time.Second
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)
	config.HeartbeatTimeout = 100 * time.Millisecond
	config.ElectionTimeout = 100 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 10 * time.Millisecond
	config.LogOutput = log.WithComponent("raft")

	rs := &ReplicatedStore{Store: NewStore()}

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
		err           error
	)

	if cfg.DataDir == "" {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshotStore = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}

		snapshotStore, err = raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store: %w", err)
		}

		boltLog, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to create log store: %w", err)
		}
		rs.closers = append(rs.closers, boltLog)

		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
		if err != nil {
			rs.closeStores()
			return nil, fmt.Errorf("failed to create stable store: %w", err)
		}
		rs.closers = append(rs.closers, boltStable)

		logStore, stableStore = boltLog, boltStable
	}

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(cfg.NodeID))
	rs.transport = transport

	r, err := raft.NewRaft(config, rs.Store, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		rs.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	rs.raft = r

	existing, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		_ = rs.Close()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}
	if !existing {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: addr}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	if err := rs.waitForLeader(cfg.LeaderTimeout); err != nil {
		_ = rs.Close()
		return nil, err
	}
	return rs, nil
}

func (rs *ReplicatedStore) waitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rs.raft.State() == raft.Leader {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return errors.New("timed out waiting for raft leadership")
}

// Put replicates a put of obj
func (rs *ReplicatedStore) Put(obj *types.Object) error {
	cmd, err := NewPutCommand(obj)
	if err != nil {
		return err
	}
	return rs.apply(cmd)
}

// Delete replicates a delete of ref
func (rs *ReplicatedStore) Delete(ref types.ObjectRef) error {
	cmd, err := NewDeleteCommand(ref)
	if err != nil {
		return err
	}
	return rs.apply(cmd)
}

func (rs *ReplicatedStore) apply(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	future := rs.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

// TakeSnapshot forces a Raft snapshot of the current store
func (rs *ReplicatedStore) TakeSnapshot() error {
	return rs.raft.Snapshot().Error()
}

// Close shuts Raft down and releases the on-disk stores
func (rs *ReplicatedStore) Close() error {
	var err error
	if rs.raft != nil {
		err = rs.raft.Shutdown().Error()
	}
	if c, ok := rs.transport.(io.Closer); ok {
		_ = c.Close()
	}
	rs.closeStores()
	return err
}

func (rs *ReplicatedStore) closeStores() {
	for _, c := range rs.closers {
		_ = c.Close()
	}
	rs.closers = nil
}
