package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/browser"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

// agent maps stdin commands onto simulated browser actions and session calls.
type agent struct {
	session *proctor.Session
	screen  *browser.VirtualScreen
	out     io.Writer
}

type command struct {
	help string
	run  func(ctx context.Context, a *agent, args []string) error
}

var commands = map[string]command{
	"hide":  {"switch away from the exam tab", func(_ context.Context, a *agent, _ []string) error { a.screen.Hide(); return nil }},
	"show":  {"return to the exam tab", func(_ context.Context, a *agent, _ []string) error { a.screen.Show(); return nil }},
	"blur":  {"focus another window", func(_ context.Context, a *agent, _ []string) error { a.screen.Blur(); return nil }},
	"focus": {"focus the exam window again", func(_ context.Context, a *agent, _ []string) error { a.screen.Focus(); return nil }},
	"exit-fs": {"press Escape to leave fullscreen", func(_ context.Context, a *agent, _ []string) error {
		a.screen.PressEscape()
		return nil
	}},
	"click": {"click inside the page", func(_ context.Context, a *agent, _ []string) error { a.screen.Click(); return nil }},
	"key":   {"type inside the page", func(_ context.Context, a *agent, _ []string) error { a.screen.Type(); return nil }},
	"deny-fs": {"deny-fs on|off: make the browser refuse fullscreen", func(_ context.Context, a *agent, args []string) error {
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return fmt.Errorf("usage: deny-fs on|off")
		}
		a.screen.DenyFullscreen(args[0] == "on")
		return nil
	}},
	"ack": {"acknowledge the warning modal", func(ctx context.Context, a *agent, _ []string) error {
		return a.session.AcknowledgeWarning(ctx)
	}},
	"ack-unlock": {"acknowledge the unlock notice", func(_ context.Context, a *agent, _ []string) error {
		a.session.AcknowledgeUnlock()
		return nil
	}},
	"confirm-exit": {"submit the exam from the exit prompt", func(ctx context.Context, a *agent, _ []string) error {
		return a.session.ConfirmExit(ctx)
	}},
	"cancel-exit": {"resume the exam from the exit prompt", func(_ context.Context, a *agent, _ []string) error {
		a.session.CancelExit()
		return nil
	}},
	"start": {"start or resume the exam", func(ctx context.Context, a *agent, _ []string) error {
		return a.session.Start(ctx)
	}},
	"refresh": {"fetch the status now", func(ctx context.Context, a *agent, _ []string) error {
		return a.session.Refresh(ctx)
	}},
	"view": {"print the current view", func(_ context.Context, a *agent, _ []string) error {
		fmt.Fprintln(a.out, formatView(a.session.View()))
		return nil
	}},
	"wait": {"wait <duration>: let timers run, e.g. wait 3s", func(ctx context.Context, _ *agent, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("usage: wait <duration>")
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}},
}

// exec runs one input line and reports whether the agent should stop.
func (a *agent) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return false, nil
	}

	switch name := fields[0]; name {
	case "quit", "exit":
		return true, nil
	case "help":
		a.help()
		return false, nil
	default:
		cmd, ok := commands[name]
		if !ok {
			return false, fmt.Errorf("unknown command %q (try help)", name)
		}
		return false, cmd.run(ctx, a, fields[1:])
	}
}

func (a *agent) run(ctx context.Context, in *bufio.Scanner) error {
	for in.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		quit, err := a.exec(ctx, in.Text())
		if err != nil {
			fmt.Fprintln(a.out, "error:", err)
		}
		if quit {
			return nil
		}
	}
	return in.Err()
}

func (a *agent) help() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(a.out, "  %-13s %s\n", name, commands[name].help)
	}
	fmt.Fprintf(a.out, "  %-13s %s\n", "quit", "unmount and exit")
}

// viewPrinter writes one line per view change.
type viewPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func newViewPrinter(out io.Writer) *viewPrinter {
	return &viewPrinter{out: out}
}

func (p *viewPrinter) Print(v proctor.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, formatView(v))
}

func formatView(v proctor.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status=%s violations=%d/%d", v.State.Status, v.State.ViolationCount, v.State.MaxWarnings)
	if v.Countdown > 0 {
		fmt.Fprintf(&b, " countdown=%d", v.Countdown)
	}
	if v.Armed {
		b.WriteString(" armed")
	}
	if w := v.Warning; w.Open {
		switch {
		case w.Pending:
			fmt.Fprintf(&b, " warning=pending(%s)", w.Event.Kind)
		case w.Failed:
			fmt.Fprintf(&b, " warning=failed(%s)", w.Event.Kind)
		case w.Locked():
			fmt.Fprintf(&b, " warning=locked(%s)", w.Event.Kind)
		default:
			fmt.Fprintf(&b, " warning=%s remaining=%d", w.Event.Kind, w.RemainingChances())
		}
	}
	if v.UnlockNotice {
		b.WriteString(" unlock-notice")
	}
	if e := v.ExitConfirm; e.Open {
		switch {
		case e.Submitting:
			b.WriteString(" exit-confirm=submitting")
		case e.Failed:
			b.WriteString(" exit-confirm=failed")
		default:
			b.WriteString(" exit-confirm")
		}
	}
	if ls := v.LockScreen; ls != nil {
		fmt.Fprintf(&b, " lock=%q", ls.Reason)
		if ls.AutoUnlock {
			fmt.Fprintf(&b, " unlock-in=%s", ls.Remaining.Round(time.Second))
		}
	}
	if v.LastError != "" {
		fmt.Fprintf(&b, " error=%q", v.LastError)
	}
	return b.String()
}
