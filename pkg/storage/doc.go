/*
Package storage persists the scheduled and ongoing reconciles of each
controller so a crashed controller can recover them.

Two implementations satisfy Store:
  - BoltStore keeps records in a BoltDB file under the data directory
  - MemoryStore keeps copies in maps and is used when no data directory is set

# Layout

BoltStore keeps two top-level buckets with one nested bucket per controller:

	controllers.db
	├── scheduled
	│   ├── simple
	│   │   └── SimpleCR/default/demo → Record (JSON)
	│   └── rabbitmq
	│       └── RabbitmqCluster/default/mq → Record (JSON)
	└── ongoing
	    └── rabbitmq
	        └── RabbitmqCluster/default/mq → Record (JSON)

Records are JSON encoded. A scheduled record carries the custom resource
snapshot and the tick before which the key may not start. An ongoing record
additionally carries the step, scratch state and pending RestID.

# Transactions

StartReconcile and FinishReconcile move a key between buckets in a single
transaction, so a crash never leaves a key both scheduled and ongoing or in
neither bucket.

# Usage

	store, err := storage.NewBoltStore("/tmp/anvil")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.PutScheduled("simple", &storage.Record{Key: key, Snapshot: cr, Tick: now})

Inspecting a finished run:

	store, err := storage.OpenReadOnly("/tmp/anvil")
	ids, _ := store.Controllers()

OpenReadOnly does not take the write lock and fails if the database file is
missing.
*/
package storage
