// Package runner is the boundary to the external recon tools. It runs a
// binary per chunk of a batch on a bounded worker pool, throttles
// invocations and enforces a per-invocation timeout.
package runner
