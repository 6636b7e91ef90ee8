/*
Package cluster composes the simulated cluster and applies one action per tick.

A Cluster is a single state value made of an API server over etcd, a lossy
network, a set of controllers with their external system models, the
built-in garbage collector and the pod monkey. Nothing changes between
ticks: every transition is an Action applied by Apply under the cluster
lock.

# Architecture

	┌────────────────────────── CLUSTER ───────────────────────────┐
	│                                                              │
	│   Controllers ──request──►  Network  ──request──► APIServer  │
	│       ▲      ◄──response──          ◄──response──     │      │
	│       │                                               ▼      │
	│   schedule ◄──────────── watch events ◄────────── etcd       │
	│                                                   ▲   ▲      │
	│   External models ◄──► Network           GC ──────┘   │      │
	│                                   PodMonkey ──────────┘      │
	│                                                              │
	│   Fault injectors: crash, drop, busy API server, pod monkey  │
	└──────────────────────────────────────────────────────────────┘

# Actions

Progress actions:
  - ApiServerStep: serve one request in flight to the API server
  - BuiltinControllerStep: let the garbage collector delete one orphan
  - ControllerStep: start, step or time out one reconcile pass
  - ScheduleControllerReconcile: schedule a pass for a custom resource
  - ExternalStep: serve one request in flight to an external model
  - RestartController: recover a crashed controller from its store

Fault actions:
  - CrashController, DropMessage, PodMonkeyStep
  - Stutter, which only advances the tick

Each fault has a disable action (DisableCrash, DisableDrop, DisableBusy,
DisablePodMonkey) that is enabled once Faults.Window ticks have passed.
Disabling is permanent, so every run eventually reaches a fault-free
suffix.

# Choosing

Enabled lists the actions enabled in the current state in a stable order.
A Chooser picks among them under a seed: fault actions are taken with
probability faultRate, and a fair action enabled for bound consecutive
ticks is forced. Step combines both:

	c, err := cluster.New(cluster.Options{Seed: 42}, simple.New())
	if err != nil {
		return err
	}
	ch := cluster.NewChooser(42, 0, 0.1)
	for i := 0; i < 1000; i++ {
		if _, err := c.Step(ch); err != nil {
			return err
		}
	}

# Watermarks

After every tick the cluster records, for each custom resource with no
request in flight, the allocator value at that point. Requests with a
RestID above the watermark belong to a reconcile that started from the
current object; the invariant checker uses this to tell new requests from
stale ones.
*/
package cluster
