// Package simulator runs a cluster tick by tick until it converges.
//
// A run is stable once every fault is disabled and every custom resource
// has matched its desired state for StableTicks consecutive ticks. When
// CheckInvariants is set each tick is followed by an invariant check and
// the first violation ends the run.
//
// Runs can be driven synchronously with Run, RunUntil and RunUntilStable,
// or in the background with Start and Stop, in which case one tick is
// applied every Interval.
package simulator
