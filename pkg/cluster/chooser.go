package cluster

import (
	"math/rand"
)

// Chooser picks the next action. Choices are random under a seed, with two
// constraints: fault actions are taken with probability FaultRate, and any
// fair action that has stayed enabled for Bound consecutive ticks is forced.
type Chooser struct {
	rng          *rand.Rand
	bound        uint64
	faultRate    float64
	enabledSince map[Action]uint64
}

// NewChooser creates a chooser
func NewChooser(seed int64, bound uint64, faultRate float64) *Chooser {
	if bound == 0 {
		bound = 50
	}
	return &Chooser{
		rng:          rand.New(rand.NewSource(seed)),
		bound:        bound,
		faultRate:    faultRate,
		enabledSince: make(map[Action]uint64),
	}
}

// Rand exposes the chooser's source for inputs drawn inside an action
func (ch *Chooser) Rand() *rand.Rand {
	return ch.rng
}

// Choose picks one of enabled at tick. enabled must not be empty.
func (ch *Chooser) Choose(tick uint64, enabled []Action) Action {
	current := make(map[Action]bool, len(enabled))
	for _, a := range enabled {
		current[a] = true
		if _, ok := ch.enabledSince[a]; !ok {
			ch.enabledSince[a] = tick
		}
	}
	for a := range ch.enabledSince {
		if !current[a] {
			delete(ch.enabledSince, a)
		}
	}

	if forced, ok := ch.starving(tick, enabled); ok {
		delete(ch.enabledSince, forced)
		return forced
	}

	var progress, faults []Action
	for _, a := range enabled {
		if a.Kind.Fault() {
			faults = append(faults, a)
		} else {
			progress = append(progress, a)
		}
	}

	pool := progress
	if len(pool) == 0 || (len(faults) > 0 && ch.rng.Float64() < ch.faultRate) {
		pool = faults
	}
	chosen := pool[ch.rng.Intn(len(pool))]
	delete(ch.enabledSince, chosen)
	return chosen
}

// starving returns the fair action enabled longest, if it reached the bound
func (ch *Chooser) starving(tick uint64, enabled []Action) (Action, bool) {
	var (
		oldest Action
		since  uint64
		found  bool
	)
	for _, a := range enabled {
		if !a.Kind.Fair() {
			continue
		}
		s := ch.enabledSince[a]
		if tick-s < ch.bound {
			continue
		}
		if !found || s < since {
			oldest, since, found = a, s, true
		}
	}
	return oldest, found
}
