// Package logging provides structured logging for taskloop runs.
//
// The [Logger] wraps log/slog with a JSON handler and carries persistent
// attributes for the session, slot, task and phase so that logs from
// concurrent agent delegations can be told apart after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	runLog := logger.WithSession(sess.ID).WithPhase("batch")
//	runLog.WithSlot(3).WithTask("Fix login").Info("delegating task")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"delegating task","session_id":"...","phase":"batch","slot":3,"task":"Fix login"}
//
// When no directory is configured the logger writes to stderr.
// [NopLogger] discards everything and is intended for tests.
package logging
