// Package pipeline runs a scan's three phases in order and implements the
// resume flow on top of the checkpoint store.
//
// Decide turns a checkpoint into a per-phase plan: completed phases are
// skipped, an in-progress phase continues from its cursor and pending
// phases start fresh. A forced restart of a phase resets it and every later
// phase, because their inputs derive from it.
//
// Periodic and interrupt-driven checkpoints both go through
// Controller.CheckpointNow.
package pipeline
