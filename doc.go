// Package conveyor provides a distributed orchestration core for
// asynchronous, multi-step processing jobs (document ingestion pipelines
// and similar). It offers a priority job queue with backpressure, a
// per-instance worker pool, distributed per-job locking through a shared
// coordination store, and a resumable step-based workflow engine with
// checkpointing.
//
// Conveyor is designed as a library, not a service. Import it, configure
// a store, and register job handlers as ordinary Go functions.
//
// # Quick Start
//
//	c, err := conveyor.New(
//	    conveyor.WithStore(redisStore),
//	    conveyor.WithConcurrency(8),
//	)
//
// # Architecture
//
// Conveyor follows a composable store pattern where each subsystem (job,
// workflow, lock) defines its own store interface. A single backend
// implements all of them; instances sharing a backend coordinate
// exclusively through its atomic primitives. At most one worker across
// all instances executes a given job id at any instant.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
