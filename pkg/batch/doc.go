// Package batch drives one pipeline phase over its input in fixed-size
// batches.
//
// Progress is keyed by absolute item count, so a cursor stays valid when
// the batch size is reduced between runs or mid-run. Each batch is
// all-or-nothing: its results are appended to the phase's output set and
// synced, then the checkpoint records it. A crash between the two replays
// that batch, and the output set's deduplication keeps the result count
// exact.
package batch
