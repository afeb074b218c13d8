package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reconpipe/pkg/batch"
	"reconpipe/pkg/checkpoint"
	errs "reconpipe/pkg/errors"
	"reconpipe/pkg/logger"
	"reconpipe/pkg/ratelimit"
)

// MockTool upper-cases its input and records concurrency
type MockTool struct {
	name    string
	version string
	delay   time.Duration
	err     error
	failOn  string

	running    atomic.Int32
	maxRunning atomic.Int32
	mu         sync.Mutex
	seen       []string
}

func (m *MockTool) Name() string { return m.name }

func (m *MockTool) Version(ctx context.Context) (string, error) {
	if m.version == "" {
		return "", errors.New("no version")
	}
	return m.version, nil
}

func (m *MockTool) Run(ctx context.Context, items []string) ([]string, error) {
	n := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		max := m.maxRunning.Load()
		if n <= max || m.maxRunning.CompareAndSwap(max, n) {
			break
		}
	}

	m.mu.Lock()
	m.seen = append(m.seen, items...)
	m.mu.Unlock()

	for _, item := range items {
		if item == m.failOn {
			return nil, errs.New(errs.ErrorTypeToolFailure, m.name, "exit status 1")
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([]string, len(items))
	for i, item := range items {
		out[i] = strings.ToUpper(item)
	}
	return out, nil
}

func testBatch(items ...string) batch.Batch {
	return batch.Batch{Phase: checkpoint.PhaseAlive, Items: items}
}

func TestPoolPreservesChunkOrder(t *testing.T) {
	tool := &MockTool{name: "httpx", delay: 5 * time.Millisecond}
	pool := NewPool(tool, PoolConfig{Workers: 3, Logger: logger.NewNopLogger()})

	out, err := pool.ProcessBatch(context.Background(), testBatch("a", "b", "c", "d", "e", "f", "g"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G"}, out)
	assert.Equal(t, 3, pool.Invocations())
	assert.LessOrEqual(t, int(tool.maxRunning.Load()), 3)
}

func TestPoolEmptyBatch(t *testing.T) {
	tool := &MockTool{name: "httpx"}
	pool := NewPool(tool, PoolConfig{Workers: 2, Logger: logger.NewNopLogger()})

	out, err := pool.ProcessBatch(context.Background(), testBatch())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, pool.Invocations())
}

func TestPoolTimeoutIsToolTimeout(t *testing.T) {
	tool := &MockTool{name: "nuclei", delay: time.Second}
	pool := NewPool(tool, PoolConfig{Workers: 2, Timeout: 20 * time.Millisecond, Logger: logger.NewNopLogger()})

	_, err := pool.ProcessBatch(context.Background(), testBatch("a", "b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrToolTimeout), "got %v", err)
}

func TestPoolFailureCancelsSiblings(t *testing.T) {
	tool := &MockTool{name: "httpx", failOn: "a", delay: time.Second}
	pool := NewPool(tool, PoolConfig{Workers: 2, Logger: logger.NewNopLogger()})

	start := time.Now()
	_, err := pool.ProcessBatch(context.Background(), testBatch("a", "b"))
	assert.True(t, errors.Is(err, errs.ErrToolFailure), "got %v", err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPoolParentCancellation(t *testing.T) {
	tool := &MockTool{name: "httpx", delay: time.Second}
	pool := NewPool(tool, PoolConfig{Workers: 1, Timeout: time.Minute, Logger: logger.NewNopLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := pool.ProcessBatch(ctx, testBatch("a"))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, errors.Is(err, errs.ErrToolTimeout))
}

func TestPoolRespectsRateLimit(t *testing.T) {
	tool := &MockTool{name: "subfinder"}
	limiter := ratelimit.NewTokenBucket(1, 30*time.Millisecond)
	pool := NewPool(tool, PoolConfig{Workers: 3, Limiter: limiter, Logger: logger.NewNopLogger()})

	start := time.Now()
	_, err := pool.ProcessBatch(context.Background(), testBatch("a", "b", "c"))
	require.NoError(t, err)
	// one token up front, two more at 30ms intervals
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSplit(t *testing.T) {
	assert.Nil(t, split(nil, 3))
	assert.Equal(t, [][]string{{"a"}, {"b"}}, split([]string{"a", "b"}, 5))
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, split([]string{"a", "b", "c", "d", "e"}, 3))
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "http", "cves"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "http", "cves", "CVE-2024-0001.yaml"), []byte("id: CVE-2024-0001\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dns.yaml"), []byte("id: dns\n"), 0644))

	tools := []Tool{
		&MockTool{name: "subfinder", version: "2.6.0"},
		&MockTool{name: "httpx"},
	}
	env, err := Fingerprint(context.Background(), tools, dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"subfinder": "2.6.0", "httpx": "unknown"}, env.ToolVersions)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, env.TemplatesHash)

	again, err := HashTemplates(dir)
	require.NoError(t, err)
	assert.Equal(t, env.TemplatesHash, again, "hash is deterministic")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dns.yaml"), []byte("id: dns\nseverity: low\n"), 0644))
	changed, err := HashTemplates(dir)
	require.NoError(t, err)
	assert.NotEqual(t, env.TemplatesHash, changed)

	none, err := HashTemplates("")
	require.NoError(t, err)
	assert.Equal(t, NoTemplates, none)

	_, err = HashTemplates(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestExecTool(t *testing.T) {
	script := writeScript(t, `if [ "$1" = "-version" ]; then echo "[INF] Current Version: v2.6.0" >&2; exit 0; fi
while read -r line; do [ -n "$line" ] && echo "www.$line"; done
`)
	tool := NewExecTool("subfinder", script)

	v, err := tool.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.6.0", v)

	out, err := tool.Run(context.Background(), []string{"example.com", "example.org"})
	require.NoError(t, err)
	assert.Equal(t, []string{"www.example.com", "www.example.org"}, out)
}

func TestExecToolFailure(t *testing.T) {
	script := writeScript(t, "echo 'flag provided but not defined' >&2\nexit 2\n")
	tool := NewExecTool("httpx", script)

	_, err := tool.Run(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrToolFailure))
	assert.Contains(t, err.Error(), "exit status 2")
}
