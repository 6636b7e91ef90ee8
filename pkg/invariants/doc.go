/*
Package invariants checks the safety properties of a cluster between ticks.

Each Invariant is a named check over a read-only View of the cluster and a
History the Checker accumulates across ticks. Checks fall into four groups:

Messages:
  - message ids are unique and every RestID is below the allocator counter
  - a RestID is never reused for a second request

Controllers:
  - each ongoing pass has at most one pending request and it is addressed
    from the controller's own host
  - the pending request is the one the reconciler predicts at its step
  - the pending request or its response is still in flight, or was dropped
  - the snapshot of a pass never changes while the pass is ongoing
  - a key is never scheduled and ongoing at once

Etcd:
  - stored objects are well formed and their spec passes their kind's codec
  - owner references resolve to existing objects
  - a scheduled snapshot is the custom resource as stored in etcd

Watermarks and guarantees:
  - after a watermark, a reconcile creates and updates each object at most
    once and never deletes without a precondition
  - every request stays inside the sender's declared footprint

Usage:

	checker, err := invariants.NewChecker()
	if err != nil {
		return err
	}
	for {
		if _, err := c.Step(chooser); err != nil {
			return err
		}
		if err := checker.Check(c); err != nil {
			return err
		}
	}

Check returns every violation of a tick joined in one error. Each is a
*Violation carrying the invariant id and tick.
*/
package invariants
