package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"modman/internal/modman"
	"modman/internal/modpack"

	"golang.org/x/term"
)

// progress renders task events. On a terminal it keeps one status line
// updated in place; otherwise only phase changes are printed.
type progress struct {
	mu    sync.Mutex
	out   *os.File
	tty   bool
	width int
	phase modman.Phase
	dirty bool
}

func newProgress(out *os.File) *progress {
	p := &progress{out: out, phase: -1, width: 80}
	fd := int(out.Fd())
	if term.IsTerminal(fd) {
		p.tty = true
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			p.width = w
		}
	}
	return p
}

func (p *progress) options() modman.ApplyOptions {
	return modman.ApplyOptions{
		OnProgress: p.event,
		OnConflict: p.conflict,
	}
}

func (p *progress) event(ev modman.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.tty {
		if ev.Phase != p.phase {
			p.phase = ev.Phase
			fmt.Fprintf(p.out, "%s...\n", ev.Phase)
		}
		return
	}

	line := ev.Phase.String()
	if ev.Total > 0 {
		line = fmt.Sprintf("%s [%d/%d] %s", line, ev.Index, ev.Total, ev.Package)
	}
	if ev.File != "" {
		line += ": " + ev.File
	}
	p.status(line)
}

func (p *progress) conflict(c modman.Conflict) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clear()
	if c.Protected {
		fmt.Fprintf(p.out, "warning: %s overwrites protected %s\n", c.Second, c.Path)
		return
	}
	fmt.Fprintf(p.out, "warning: %s overwrites %s from %s\n", c.Second, c.Path, c.First)
}

// saveFunc reports package creation progress.
func (p *progress) saveFunc(name string) modpack.ProgressFunc {
	name = filepath.Base(name)
	return func(total, current int) bool {
		if p.tty {
			p.mu.Lock()
			p.status(fmt.Sprintf("packing %s [%d/%d]", name, current, total))
			p.mu.Unlock()
		}
		return true
	}
}

func (p *progress) status(line string) {
	if len(line) > p.width-1 {
		line = line[:p.width-1]
	}
	fmt.Fprintf(p.out, "\r%-*s", p.width-1, line)
	p.dirty = true
}

func (p *progress) clear() {
	if p.dirty {
		fmt.Fprintf(p.out, "\r%s\r", strings.Repeat(" ", p.width-1))
		p.dirty = false
	}
}

func (p *progress) done() {
	p.mu.Lock()
	p.clear()
	p.mu.Unlock()
}

// report prints a task result and returns an error when it failed.
func report(location string, res *modman.Result) error {
	if res == nil {
		return nil
	}
	for _, o := range res.Outcomes {
		if o.Err != nil {
			fmt.Printf("%s: %s %s failed: %v\n", location, o.Action, o.Package.Name, o.Err)
			continue
		}
		fmt.Printf("%s: %sed %s\n", location, o.Action, o.Package.Name)
	}
	for _, m := range res.MissingDeps {
		fmt.Printf("%s: %s depends on %s, which is missing\n", location, m.Package, m.Dependency)
	}

	switch res.State {
	case modman.PhaseAborted:
		return fmt.Errorf("%s: aborted", location)
	case modman.PhaseFailed:
		return fmt.Errorf("%s: %d package(s) failed", location, len(res.Failed()))
	}
	if len(res.Outcomes) == 0 {
		fmt.Printf("%s: nothing to do\n", location)
	}
	return nil
}

func absPaths(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving path: %w", err)
		}
		out[i] = abs
	}
	return out, nil
}

func inLibrary(lib []*modpack.Package, hash uint64) bool {
	for _, p := range lib {
		if p.Hash() == hash {
			return true
		}
	}
	return false
}
