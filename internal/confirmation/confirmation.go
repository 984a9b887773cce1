// Package confirmation asks the operator to approve commands that write to
// live organization data.
package confirmation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"org-backup-engine/internal/display"

	"github.com/mattn/go-isatty"
)

// ErrNotInteractive is returned when approval is needed but nobody can answer
var ErrNotInteractive = errors.New("confirmation required but input is not a terminal; pass --yes to proceed")

// Plan describes the action waiting for approval
type Plan struct {
	Title    string
	Fields   []display.Field
	Warnings []string
	// Details are shown when the operator answers "d"
	Details []string
}

// Prompter prints a plan and reads the operator's answer
type Prompter struct {
	printer     *display.Printer
	reader      *bufio.Reader
	out         io.Writer
	interactive bool
}

// NewPrompter creates a prompter reading answers from in. The plan and the
// question go through printer; out receives the bare prompt line.
func NewPrompter(printer *display.Printer, in io.Reader, out io.Writer) *Prompter {
	return &Prompter{
		printer:     printer,
		reader:      bufio.NewReader(in),
		out:         out,
		interactive: isInteractive(in),
	}
}

// isInteractive is false only for a file that is not a terminal, so tests
// and pipes of prepared answers still work through an io.Reader
func isInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Confirm shows the plan and waits for a yes or no. A cancelled context
// counts as no and returns the context error.
func (p *Prompter) Confirm(ctx context.Context, plan Plan, autoApprove bool) (bool, error) {
	if err := p.DisplayPlan(plan); err != nil {
		return false, fmt.Errorf("failed to display plan: %w", err)
	}

	if autoApprove {
		return true, p.printer.Info("Auto-approving")
	}
	if !p.interactive {
		return false, ErrNotInteractive
	}

	for {
		input, err := p.prompt(ctx, len(plan.Details) > 0)
		if err != nil {
			if ctx.Err() != nil {
				_ = p.printer.Warning("Operation cancelled")
			}
			return false, err
		}

		switch strings.ToLower(input) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		case "d", "details":
			if len(plan.Details) > 0 {
				p.displayDetails(plan.Details)
				continue
			}
		}
		fmt.Fprintf(p.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
	}
}

// DisplayPlan prints the plan and its warnings
func (p *Prompter) DisplayPlan(plan Plan) error {
	if err := p.printer.Details(plan.Title, plan.Fields); err != nil {
		return err
	}
	for i, warning := range plan.Warnings {
		if err := p.printer.Warning("%d. %s", i+1, warning); err != nil {
			return err
		}
	}
	return nil
}

// prompt reads one answer. The read runs in a goroutine so an interrupt can
// end the wait; the goroutine is left blocked on the reader in that case.
func (p *Prompter) prompt(ctx context.Context, details bool) (string, error) {
	question := "Do you want to continue? [y/N]: "
	if details {
		question = "Do you want to continue? [y/N/d]: "
	}
	fmt.Fprint(p.out, question)

	type answer struct {
		input string
		err   error
	}
	answers := make(chan answer, 1)
	go func() {
		input, err := p.reader.ReadString('\n')
		answers <- answer{input: strings.TrimSpace(input), err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case a := <-answers:
		// EOF without an answer reads as the default, no
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return "", fmt.Errorf("failed to read input: %w", a.err)
		}
		return a.input, nil
	}
}

func (p *Prompter) displayDetails(details []string) {
	fmt.Fprintln(p.out)
	for _, line := range details {
		fmt.Fprintf(p.out, "  %s\n", line)
	}
	fmt.Fprintln(p.out)
}
