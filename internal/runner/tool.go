package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"reconpipe/pkg/checkpoint"
	"reconpipe/pkg/config"
	errs "reconpipe/pkg/errors"
)

// Tool is an external recon binary
type Tool interface {
	Name() string
	// Version reports the installed version, as printed by the tool
	Version(ctx context.Context) (string, error)
	// Run feeds items to the tool and returns its output lines
	Run(ctx context.Context, items []string) ([]string, error)
}

var versionPattern = regexp.MustCompile(`v?\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?`)

// ExecTool runs a binary with items on stdin, one per line, and reads
// newline-separated results from stdout
type ExecTool struct {
	name        string
	binary      string
	args        []string
	versionArgs []string
}

// NewExecTool creates an ExecTool. An empty binary means the name is
// looked up on PATH.
func NewExecTool(name, binary string, args ...string) *ExecTool {
	if binary == "" {
		binary = name
	}
	return &ExecTool{
		name:        name,
		binary:      binary,
		args:        args,
		versionArgs: []string{"-version"},
	}
}

func (t *ExecTool) Name() string { return t.name }

func (t *ExecTool) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, t.binary, t.versionArgs...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return "", errs.Wrap(errs.ErrorTypeToolFailure, t.name+" version", err)
	}
	v := versionPattern.FindString(string(out))
	if v == "" {
		return "", errs.Newf(errs.ErrorTypeToolFailure, t.name+" version", "no version in output %q", firstLine(out))
	}
	return strings.TrimPrefix(v, "v"), nil
}

func (t *ExecTool) Run(ctx context.Context, items []string) ([]string, error) {
	cmd := exec.CommandContext(ctx, t.binary, t.args...)
	cmd.Stdin = strings.NewReader(strings.Join(items, "\n") + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeToolFailure, t.name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeToolFailure, t.name, err)
	}

	var results []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			results = append(results, line)
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, errs.Newf(errs.ErrorTypeToolFailure, t.name, "exit status %d: %s", exitErr.ExitCode(), firstLine(stderr.Bytes()))
		}
		return nil, errs.Wrap(errs.ErrorTypeToolFailure, t.name, waitErr)
	}
	if scanErr != nil {
		return nil, errs.Wrap(errs.ErrorTypeToolFailure, t.name, fmt.Errorf("read output: %w", scanErr))
	}
	return results, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// PhaseTools builds the default tool for each phase from configuration:
// subfinder for enumeration, httpx for the alive check and nuclei for the
// vulnerability scan
func PhaseTools(cfg config.ToolsConfig) map[checkpoint.Phase]Tool {
	bin := func(name string) string {
		if cfg.BinDirectory == "" {
			return name
		}
		return filepath.Join(cfg.BinDirectory, name)
	}

	nucleiArgs := strings.Fields(cfg.Args["nuclei"])
	if cfg.TemplatesPath != "" {
		nucleiArgs = append(nucleiArgs, "-t", cfg.TemplatesPath)
	}
	if len(cfg.Severities) > 0 {
		nucleiArgs = append(nucleiArgs, "-severity", strings.Join(cfg.Severities, ","))
	}

	return map[checkpoint.Phase]Tool{
		checkpoint.PhaseEnumeration:   NewExecTool("subfinder", bin("subfinder"), strings.Fields(cfg.Args["subfinder"])...),
		checkpoint.PhaseAlive:         NewExecTool("httpx", bin("httpx"), strings.Fields(cfg.Args["httpx"])...),
		checkpoint.PhaseVulnerability: NewExecTool("nuclei", bin("nuclei"), nucleiArgs...),
	}
}
