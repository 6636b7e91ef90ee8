/*
Package reconciler implements the controller engine that drives Kubernetes-style
reconcilers against the simulated cluster.

A reconciler is a state machine over an opaque LocalState. The engine owns
everything around it: the schedule of keys waiting for a pass, the ongoing
passes, the single request each pass may have in flight, timeouts, back-off
and crash recovery. Reconcilers never talk to the network or etcd directly;
they return a request and the engine sends it.

# Architecture

	┌──────────────────── CONTROLLER ENGINE ────────────────────┐
	│                                                            │
	│  watch event ──► Schedule(cr) ──► scheduled[key]           │
	│                                        │                   │
	│                              Start(key, now)               │
	│                                        ▼                   │
	│                                  ongoing[key]              │
	│                     ┌──────────────────┴───────────┐       │
	│                     │ ReconcileCore(cr, resp, s)   │       │
	│                     │   ─► (s', request?)          │       │
	│                     └──────────────────┬───────────┘       │
	│             request ──► network        │ terminal step     │
	│             response ◄── Step(key,msg) ▼                   │
	│                                   finish(outcome)          │
	│                         Done / Error / Timeout             │
	│                                        │                   │
	│                      requeue with back-off from etcd       │
	└────────────────────────────────────────────────────────────┘

# Core Components

Reconciler:
  - Kind and Codec of the custom resource it drives
  - InitState, ReconcileCore, ReconcileDone, ReconcileError
  - IsCorrectPendingRequestAtStep predicts the request in flight at a step
  - CurrentStateMatches is the liveness target checked by the simulator
  - Footprint and PhaseTable describe what the reconciler may touch

Controller:
  - One per reconciler, addressed as a controller host on the network
  - Scheduled and ongoing maps keyed by types.ObjectRef
  - At most one pending request per ongoing key
  - Persists both maps to a storage.Store on every transition

# Passes

A pass starts from InitState with a snapshot of the custom resource taken
when the key was scheduled. Each call to ReconcileCore either returns a
request, which the engine sends and records as pending, or moves the state
to Done or Error without one. A response is delivered only when its RestID
equals the pending request; anything else is stale and ignored.

A pass ends in one of three outcomes:
  - Done: the state satisfied ReconcileDone
  - Error: the state satisfied ReconcileError
  - Timeout: neither the pending request nor its response is in flight

Error and Timeout requeue the key from the current etcd object with
exponential back-off between Config.BaseDelay and Config.MaxDelay. Done
requeues only when Config.RequeueOnDone is set. A ServerBusy answer re-sends
the pending request under a fresh rest id without consulting the reconciler.

# Crash and Recovery

Crash drops all in-memory state and marks the controller crashed. Recover
turns every persisted scheduled or ongoing key into a fresh scheduled pass
on the custom resource as currently stored. Keys whose custom resource no
longer exists are dropped. Responses to requests of aborted passes arrive
as stale and are ignored.

# Usage

	ctrl := reconciler.NewController(reconciler.Config{ID: "simple"},
		simple.New(), alloc, net, etcdStore)

	if _, err := ctrl.Schedule(cr, now); err != nil {
		return err
	}
	for _, key := range ctrl.Startable(now) {
		if err := ctrl.Start(key, now); err != nil {
			return err
		}
	}

Determinism:

ReconcileCore must be a pure function of its arguments. The invariant
checker replays it to predict pending requests, and a run with the same
seed applies the same actions in the same order.
*/
package reconciler
