package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"reconpipe/pkg/batch"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/ratelimit"
)

// PoolConfig configures a Pool
type PoolConfig struct {
	Workers int
	// Timeout bounds each tool invocation; exceeding it fails the batch
	Timeout time.Duration
	Limiter ratelimit.Limiter
	Logger  logger.Logger
}

// Pool fans a batch out over concurrent invocations of one tool
type Pool struct {
	tool        Tool
	workers     int
	timeout     time.Duration
	limiter     ratelimit.Limiter
	logger      logger.Logger
	invocations atomic.Int64
}

// NewPool creates a worker pool for tool
func NewPool(tool Tool, cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Unlimited{}
	}
	return &Pool{
		tool:    tool,
		workers: cfg.Workers,
		timeout: cfg.Timeout,
		limiter: cfg.Limiter,
		logger:  logger.OrGlobal(cfg.Logger).WithField("tool", tool.Name()),
	}
}

// Workers returns the number of concurrent invocations
func (p *Pool) Workers() int {
	return p.workers
}

// Invocations returns how many times the tool has been started
func (p *Pool) Invocations() int {
	return int(p.invocations.Load())
}

// ProcessBatch splits the batch into one chunk per worker and returns the
// concatenated results in chunk order. The first failing chunk cancels the
// others.
func (p *Pool) ProcessBatch(ctx context.Context, b batch.Batch) ([]string, error) {
	chunks := split(b.Items, p.workers)
	results := make([][]string, len(chunks))

	p.logger.DebugWithFields("Dispatching batch", map[string]interface{}{
		"phase":       b.Phase,
		"batch_index": b.Index,
		"items":       len(b.Items),
		"chunks":      len(chunks),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			out, err := p.invoke(gctx, i, chunk)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// A cancelled parent is an interruption, not a tool failure
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var all []string
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func (p *Pool) invoke(ctx context.Context, worker int, items []string) ([]string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	p.invocations.Add(1)
	out, err := p.tool.Run(tctx, items)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			err = errs.Newf(errs.ErrorTypeToolTimeout, p.tool.Name(), "invocation exceeded %s on %d items", p.timeout, len(items))
		}
		p.logger.ErrorWithFields("Tool invocation failed", map[string]interface{}{
			"worker_id": worker,
			"items":     len(items),
			"duration":  duration,
			"error":     err.Error(),
		})
		return nil, err
	}

	p.logger.DebugWithFields("Tool invocation completed", map[string]interface{}{
		"worker_id": worker,
		"items":     len(items),
		"results":   len(out),
		"duration":  duration,
	})
	return out, nil
}

// split divides items into at most n contiguous chunks of near-equal size
func split(items []string, n int) [][]string {
	if len(items) == 0 {
		return nil
	}
	if n > len(items) {
		n = len(items)
	}
	size := (len(items) + n - 1) / n
	chunks := make([][]string, 0, n)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
