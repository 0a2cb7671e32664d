package fleet

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/opensandbox/fleetctl/internal/compute"
)

const separator = "------------------------------------------------------------"

// Progress writes an operator-facing text stream: stage headers, one line per
// node with poll dots, and a final summary of successes and failures. Colour
// is used only when w is a terminal.
type Progress struct {
	mu   sync.Mutex
	w    io.Writer
	open bool // a node line is waiting for its result

	ok   lipgloss.Style
	bad  lipgloss.Style
	head lipgloss.Style
}

var _ Observer = (*Progress)(nil)

// NewProgress creates a progress writer.
func NewProgress(w io.Writer) *Progress {
	r := lipgloss.NewRenderer(w)
	return &Progress{
		w:    w,
		ok:   r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		bad:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		head: r.NewStyle().Bold(true),
	}
}

func (p *Progress) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

// Writer returns a writer for output interleaved with the progress stream,
// such as live script output. Writes share the progress lock.
func (p *Progress) Writer() io.Writer {
	return progressWriter{p: p}
}

type progressWriter struct {
	p *Progress
}

func (w progressWriter) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	w.p.closeLine()
	return w.p.w.Write(b)
}

// closeLine terminates a pending node line. Callers hold mu.
func (p *Progress) closeLine() {
	if p.open {
		p.printf("\n")
		p.open = false
	}
}

func (p *Progress) RunStarted(plan *Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	where := plan.Environment
	if where == "" {
		where = strings.Join(plan.Identifiers, ", ")
	}
	n := len(plan.Nodes)
	if n == 0 {
		n = len(plan.Identifiers)
	}
	p.printf("%s %d nodes (%s), run %s\n", plan.Action.Gerund(), n, where, plan.RunID)
	for _, err := range plan.SelectionErrors {
		p.printf("%s %v\n", p.bad.Render("SKIPPED"), err)
	}
}

func (p *Progress) StageStarted(index int, stage Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
	p.printf("%s\n%s\n", separator, p.head.Render(fmt.Sprintf("Stage %d: %s (%d nodes)", index+1, stage.Role, len(stage.Nodes))))
}

func (p *Progress) NodeStarted(node *compute.Node, action Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
	p.printf("%s %s...", action.Gerund(), node.Label())
	p.open = true
}

func (p *Progress) NodePolled(*compute.Node, compute.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		p.printf(".")
	}
}

func (p *Progress) NodeFinished(out Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case out.Result == ResultSatisfied:
		p.closeLine()
		p.printf("%s is already in state %s\n", out.Node, out.Initial)
	case p.open && out.Failed():
		p.printf(" %s %v\n", p.bad.Render("FAILED"), out.Err)
	case p.open:
		p.printf(" %s\n", p.ok.Render("SUCCESS"))
	case out.Failed():
		p.printf("%s %s %v\n", out.Node, p.bad.Render("FAILED"), out.Err)
	default:
		p.printf("%s %s %s\n", out.Node, out.Action, p.ok.Render("SUCCESS"))
	}
	p.open = false

	if out.Address != "" {
		p.printf("  associated %s with %s\n", out.Address, out.Node)
	}
	for _, w := range out.Warnings {
		p.printf("  warning: %v\n", w)
	}
}

func (p *Progress) StageFinished(int, Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
}

func (p *Progress) LaunchFinished(out LaunchOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
	if out.Launched() {
		p.printf("%s (%s) is %s %s\n", out.Request.Name, out.Node.ID, out.Status, p.ok.Render("SUCCESS"))
	} else {
		p.printf("%s %s %v\n", out.Request.Name, p.bad.Render("FAILED"), out.Err)
	}
	for _, w := range out.Warnings {
		p.printf("  warning: %v\n", w)
	}
}

func (p *Progress) ConfigureFinished(out ConfigureOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
	if out.Err != nil {
		p.printf("%s configuration %s %v\n", out.Node, p.bad.Render("FAILED"), out.Err)
		return
	}
	p.printf("%s configured %s\n", out.Node, p.ok.Render("SUCCESS"))
}

func (p *Progress) RunFinished(r *Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLine()
	p.printf("%s\n", separator)

	var good, failed []string
	switch r.Kind {
	case KindProvision:
		for _, l := range r.Launches {
			if l.Launched() {
				good = append(good, l.Request.Name)
			} else {
				failed = append(failed, l.Request.Name)
			}
		}
		p.printf("Launched: %s\n", listOrNone(good))
		p.printf("Failed:   %s\n", listOrNone(failed))
		if r.CredentialErr != nil {
			p.printf("%s %v\n", p.bad.Render("Key generation failed:"), r.CredentialErr)
		}
		var unconfigured []string
		for _, c := range r.Configured {
			if c.Err != nil {
				unconfigured = append(unconfigured, c.Node)
			}
		}
		if len(unconfigured) > 0 {
			p.printf("Not configured: %s\n", strings.Join(unconfigured, ", "))
		}
	case KindRetype:
		if len(r.Outcomes) > 0 {
			last := r.Outcomes[len(r.Outcomes)-1]
			if r.ExitCode() == ExitOK {
				p.printf("%s is back up (%s)\n", last.Node, last.Final)
			} else {
				p.printf("%s %s\n", last.Node, p.bad.Render("retype incomplete"))
			}
		}
	default:
		for _, o := range r.Outcomes {
			if o.Failed() {
				failed = append(failed, o.Node)
			} else {
				good = append(good, o.Node)
			}
		}
		for _, err := range r.SelectionErrors {
			failed = append(failed, selectionName(err))
		}
		p.printf("Succeeded: %s\n", listOrNone(good))
		p.printf("Failed:    %s\n", listOrNone(failed))
	}

	if warns := r.Warnings(); len(warns) > 0 {
		p.printf("Warnings:  %d (see above)\n", len(warns))
	}
	if code := r.ExitCode(); code != ExitOK {
		p.printf("%s (exit %d)\n", p.bad.Render(fmt.Sprintf("%d failures", len(r.Failures()))), code)
	}
}

func selectionName(err error) string {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Node
	}
	return err.Error()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
