package batch

import (
	"context"

	"reconpipe/pkg/checkpoint"
	"reconpipe/pkg/storage"
)

// Source is an input collection that can be counted and walked from the
// start. storage.DiskSet satisfies it.
type Source interface {
	Count() int
	Iter() storage.Iterator
}

// SliceSource adapts an in-memory list
type SliceSource []string

func (s SliceSource) Count() int { return len(s) }

func (s SliceSource) Iter() storage.Iterator {
	return &sliceIterator{items: s, pos: -1}
}

type sliceIterator struct {
	items []string
	pos   int
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Key() string {
	if it.pos < 0 || it.pos >= len(it.items) {
		return ""
	}
	return it.items[it.pos]
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

// Batch is one slice of a phase's input handed to a Processor
type Batch struct {
	Phase checkpoint.Phase
	// Index counts batches from the start of the phase, across restarts
	Index int
	// Offset is the absolute position of Items[0] in the input
	Offset int
	Items  []string
}

// Processor runs the external tool for one batch and returns its raw
// results, for example discovered hosts or findings
type Processor interface {
	ProcessBatch(ctx context.Context, b Batch) ([]string, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, b Batch) ([]string, error)

func (f ProcessorFunc) ProcessBatch(ctx context.Context, b Batch) ([]string, error) {
	return f(ctx, b)
}
