// Package engine wires the conveyor subsystems — queue, lock, worker
// pool, registry, workflow engine, and store — into a running instance
// and exposes the submission, query, control, and stats APIs.
//
// It lives apart from the root package so the subsystem packages can
// depend on the root's types without import cycles.
package engine
