package runner

import (
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
)

// FakeResponse scripts the outcome of a command in FakeRunner.
type FakeResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Err, when set, is returned instead of running the exit code checks.
	Err error
}

type fakeRule struct {
	prefix    []string
	responses []FakeResponse
}

// FakeRunner is a scripted Runner for tests. Commands are matched by argv
// prefix, longest prefix first; each rule replays its responses in order and
// repeats the last one. Every invocation is recorded.
type FakeRunner struct {
	mu    sync.Mutex
	rules []*fakeRule
	calls []Command
}

// NewFakeRunner returns an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On registers responses for commands starting with prefix.
func (f *FakeRunner) On(prefix []string, responses ...FakeResponse) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(responses) == 0 {
		responses = []FakeResponse{{}}
	}
	f.rules = append(f.rules, &fakeRule{prefix: prefix, responses: responses})
	return f
}

// Run implements Runner.
func (f *FakeRunner) Run(_ context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)

	var match *fakeRule
	for _, r := range f.rules {
		if hasPrefix(cmd.Argv, r.prefix) && (match == nil || len(r.prefix) > len(match.prefix)) {
			match = r
		}
	}
	if match == nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake runner: unexpected command %q", cmd.String())
	}

	resp := match.responses[0]
	if len(match.responses) > 1 {
		match.responses = match.responses[1:]
	}
	f.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}
	result := &Result{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	if !cmd.allowed(resp.ExitCode) {
		return result, &ExitError{Argv: cmd.Argv, ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	}
	return result, nil
}

// Calls returns a copy of every recorded command.
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// CallsWithPrefix counts recorded commands starting with prefix.
func (f *FakeRunner) CallsWithPrefix(prefix ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if hasPrefix(c.Argv, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls but keeps the rules.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func hasPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i := range prefix {
		if argv[i] != prefix[i] {
			return false
		}
	}
	return true
}

// MemProbe is an in-memory FileSystemProbe for tests.
type MemProbe struct {
	Files map[string]string
	Tools map[string]bool
}

func (p *MemProbe) Exists(path string) bool {
	_, ok := p.Files[path]
	return ok
}

func (p *MemProbe) ReadFile(path string) ([]byte, error) {
	content, ok := p.Files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return []byte(content), nil
}

func (p *MemProbe) LookPath(name string) (string, error) {
	if p.Tools[name] {
		return "/usr/bin/" + strings.TrimPrefix(name, "/"), nil
	}
	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}
