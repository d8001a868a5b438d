/*
Package log provides structured logging for the core using zerolog.

The package wraps zerolog to give every component (registry, stores,
tracker, cache, queues, processor, event bus, blob store) a consistent
JSON or console logger, without requiring callers to thread a logger
through every constructor by hand.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	reqLog := log.WithComponent("processor").With().
		Str("root_uuid", root.UUID).Logger()
	reqLog.Info().Msg("processing root request")

Component loggers (WithComponent, WithRootUUID, WithRequestID, WithAMT)
attach one structured field each and are meant to be composed:

	l := log.WithComponent("tracker").With().Str("request_id", req.ID).Logger()

# Levels

Debug is for development only; Info is the default production level;
Warn/Error mark conditions an operator should see; Fatal exits the
process and must only be used during startup (e.g. an unreadable config
file), never from a request path.
*/
package log
