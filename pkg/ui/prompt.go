package ui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"reconpipe/pkg/checkpoint"
	errs "reconpipe/pkg/errors"
)

// Terminal shows resume information and asks for confirmation on a
// terminal. It satisfies pipeline.Prompter.
type Terminal struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewTerminal uses stdin and stdout; confirmation requires stdin to be a
// terminal
func NewTerminal() *Terminal {
	return NewTerminalWith(os.Stdin, os.Stdout, term.IsTerminal(int(os.Stdin.Fd())))
}

// NewTerminalWith builds a Terminal over arbitrary streams
func NewTerminalWith(in io.Reader, out io.Writer, interactive bool) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, interactive: interactive}
}

// Interactive reports whether Confirm can ask the user
func (t *Terminal) Interactive() bool {
	return t.interactive
}

func (t *Terminal) ShowSummary(sum checkpoint.Summary) {
	fmt.Fprintln(t.out, RenderSummary(sum))
}

func (t *Terminal) ShowIssues(title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprint(t.out, RenderIssues(title, lines))
}

// Confirm asks a yes/no question; anything but y or yes is a no
func (t *Terminal) Confirm(question string) (bool, error) {
	if !t.interactive {
		return false, errs.New(errs.ErrorTypeUnknown, "confirm", "stdin is not a terminal; pass --no-confirm to proceed without prompting")
	}

	fmt.Fprintf(t.out, "%s %s ", Cyan(question), Dim("[y/N]"))
	line, err := t.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
