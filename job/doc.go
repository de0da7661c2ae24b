// Package job defines the durable job record, its state machine, the
// handler registry, and the persistence contract for job records.
//
// A Job is the unit of work submitted once and executed at most once
// concurrently across all instances. Its State moves only through the
// transitions ValidTransition allows; the executor enforces the lock
// requirements around RUNNING.
package job
