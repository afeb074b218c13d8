// Package ui renders scan state for people: the resume summary table,
// confirmation prompts and a per-phase progress line.
package ui
