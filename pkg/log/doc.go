/*
Package log provides structured logging for slurmsync using zerolog.

A single global Logger is configured once at startup with Init. Components
take a child logger carrying a component field and keep it for their lifetime:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("reconciler")
	logger.Info().Uint64("version", cfg.Version).Msg("Published cluster config")

Per-member context is attached with WithMember so every line about a push or
an acknowledgement can be filtered by node:

	logger := log.WithMember("compute", "node-7")
	logger.Warn().Err(err).Msg("Push failed")

Until Init runs the global logger discards everything, which keeps package
tests quiet.
*/
package log
