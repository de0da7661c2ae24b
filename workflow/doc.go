// Package workflow implements the resumable, checkpoint-based step
// engine that executes a job's pipeline.
//
// A Definition is an ordered sequence of named steps plus global
// toggles. The Engine runs the enabled steps in order, enforcing each
// step's timeout and retry budget, persisting a checkpoint and the
// job's progress after every completed step, and checking for a
// cancellation request at each step boundary. A later run can resume
// from any step whose predecessors all have cached checkpoints.
package workflow
