package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Protocol-Lattice/localcoder/pkg/agent"
)

var (
	dimStyle   = lipgloss.NewStyle().Faint(true)
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	titleStyle = lipgloss.NewStyle().Bold(true)
)

// ui renders answers as Markdown on out and progress on errOut.
type ui struct {
	out      io.Writer
	errOut   io.Writer
	renderer *glamour.TermRenderer
}

func newUI(out, errOut io.Writer) *ui {
	u := &ui{out: out, errOut: errOut}
	width, tty := terminalWidth(out)
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if tty {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle("notty"))
	}
	if r, err := glamour.NewTermRenderer(opts...); err == nil {
		u.renderer = r
	}
	return u
}

func terminalWidth(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 100, false
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width < 40 {
		return 80, true
	}
	return width - 4, true
}

// markdown prints text rendered as Markdown, falling back to plain text.
func (u *ui) markdown(text string) {
	if u.renderer != nil {
		if rendered, err := u.renderer.Render(text); err == nil {
			fmt.Fprint(u.out, rendered)
			return
		}
	}
	fmt.Fprintln(u.out, text)
}

func (u *ui) println(a ...any) {
	fmt.Fprintln(u.out, a...)
}

func (u *ui) info(format string, a ...any) {
	fmt.Fprintln(u.errOut, dimStyle.Render(fmt.Sprintf(format, a...)))
}

func (u *ui) warn(format string, a ...any) {
	fmt.Fprintln(u.errOut, warnStyle.Render("Warning: "+fmt.Sprintf(format, a...)))
}

func (u *ui) fail(err error) {
	fmt.Fprintln(u.errOut, errorStyle.Render("Error: ")+err.Error())
}

func (u *ui) warnings(list []string) {
	for _, w := range list {
		u.warn("%s", w)
	}
}

// progress reports loop events on errOut.
func (u *ui) progress(ev agent.Event) {
	switch ev.Kind {
	case agent.EventThinking:
		u.info("Thinking... (step %d)", ev.Iteration)
	case agent.EventToolCall:
		fmt.Fprintln(u.errOut, toolStyle.Render("→ "+ev.Call.Name)+dimStyle.Render("("+formatArgs(ev.Call.Arguments)+")"))
	case agent.EventToolResult:
		status := "ok"
		if ev.Invocation.Err != nil {
			status = "failed"
		}
		u.info("  %s %s in %s, %d chars", ev.Call.Name, status, ev.Invocation.Duration.Round(time.Millisecond), len(ev.Invocation.Result))
	case agent.EventNudge:
		u.info("Empty reply, asking the model to continue")
	case agent.EventInlineCalls:
		u.info("Parsed %d tool call(s) from the reply text", ev.Count)
	}
}

// summary reports how a run ended when it did not simply complete.
func (u *ui) summary(res *agent.Result) {
	if res == nil {
		return
	}
	if res.Degraded {
		u.warn("tools were unavailable for this answer")
	}
	if res.Status == agent.StatusExhausted {
		u.warn("stopped after %d steps", res.IterationsUsed)
	}
}

func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprint(args[k])
		if len(v) > 60 {
			v = v[:57] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ", ")
}
