/*
Package log provides structured logging using zerolog.

It wraps zerolog to give JSON-structured logging with component-specific
child loggers, configurable levels, and helper functions for the common
logging patterns used across the storage engine.

# Usage

Initializing the Logger:

	import "github.com/PaulusParssinen/garnet-sub001/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("engine started")
	log.Debug("page evicted")
	log.Warn("replica lag exceeds threshold")
	log.Error("checkpoint failed")
	log.Fatal("cannot start without a data directory")

Component Loggers:

	aofLog := log.WithComponent("aof")
	aofLog.Info().Msg("commit flushed")

	replicaLog := log.WithReplicaID("replica-1")
	replicaLog.Warn().Int64("lag_bytes", 4096).Msg("falling behind")

# Context Logger Helpers

  - WithComponent: tag logs with the owning subsystem (allocator, aof,
    cluster, txn, ...)
  - WithNodeID: tag logs with this node's cluster node ID
  - WithReplicaID: tag logs with a specific replica's ID
  - WithSlot: tag logs with a cluster slot number
  - WithStore: tag logs with the store kind (main/object)

# Design Patterns

Global Logger Pattern: a single package-level Logger instance, initialized
once at startup and accessible from every package without being threaded
through call signatures.

Context Logger Pattern: build child loggers with .With()-attached fields
and pass those into long-lived components (a replica connection, a
migration task) instead of repeating fields at every call site.
*/
package log
