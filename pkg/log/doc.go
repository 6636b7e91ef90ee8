/*
Package log provides structured logging for Anvil using zerolog.

A single package-level Logger is configured once by Init. Components derive
child loggers with WithComponent, and controller code adds its id and the
key under reconciliation with WithControllerID and WithKey.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.WithControllerID("rabbitmq")
	log.WithKey(logger, key.String()).Debug().
		Str("step", string(state.Step)).
		Msg("Reconcile step")

Console output, the default, looks like:

	10:30:00 INF Simulation 6f1c... started with seed 42
	10:30:01 ERR invariant violated component=invariants invariant=single-pending-request tick=118
*/
package log
