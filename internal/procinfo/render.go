package procinfo

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	haltedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
)

// RenderOptions tunes the table.
type RenderOptions struct {
	// Styled enables terminal styling of the summary lines.
	Styled bool
}

// Render writes r as a summary plus one row per task, ordered as in r.
func Render(w io.Writer, r Report, opts RenderOptions) error {
	title := fmt.Sprintf("boot %s  mode %s  tick %d  switches %d  ready %d  cpu %.1f%%",
		r.BootID, r.Mode, r.Tick, r.Switches, r.Ready, r.CPULoad)
	ceiling := "unlimited"
	if r.NetMemCeiling > 0 {
		ceiling = fmt.Sprintf("%d", r.NetMemCeiling)
	}
	mem := fmt.Sprintf("mem kernel %d  network %d/%s  consistency errors %d",
		r.MemKernel, r.MemNetwork, ceiling, r.ConsistencyErrors)
	if opts.Styled {
		title = titleStyle.Render(title)
	}
	if _, err := fmt.Fprintln(w, title); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, mem); err != nil {
		return err
	}
	if r.Halted {
		msg := "kernel halted"
		if opts.Styled {
			msg = haltedStyle.Render(msg)
		}
		if _, err := fmt.Fprintln(w, msg); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tNAME\tKIND\tSTATE\tPRIO\tBASE\tCPU%\tTICKS\tSTACK\tPEAK\tKMEM\tNMEM\tOPEN")
	for _, t := range r.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%.1f\t%d\t%d\t%d\t%d\t%d\t%d\n",
			t.Handle, t.Name, t.Kind, t.State, prio(t.Kind, t.Priority), prio(t.Kind, t.Base),
			t.CPUShare, t.CPUTicks, t.StackSize, t.StackPeak, t.MemKernel, t.MemNetwork, t.Open)
	}
	return tw.Flush()
}

// prio hides the idle task's sentinel priority.
func prio(kind string, p int) string {
	if kind == "idle" {
		return "-"
	}
	return fmt.Sprintf("%d", p)
}
