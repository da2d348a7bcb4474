/*
Package log provides structured logging for repnode using zerolog.

It wraps zerolog with a global logger, configurable level and output, and
a handful of child-logger constructors for the fields that show up
throughout the replication engine: component, node id, gtid, connection
id.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	txnLog := log.WithComponent("txn").With().Str("gtid", g.String()).Logger()
	txnLog.Info().Msg("commit ordered")

	sstLog := log.WithComponent("sst")
	sstLog.Error().Err(err).Msg("donor transfer failed")

# Levels

Debug is for development only; Info is the recommended production level;
Warn and Error are low volume and always worth keeping. Fatal logs and
calls os.Exit(1) — reserved for invariant violations the node cannot
recover from (see pkg/store's InvariantViolation).
*/
package log
