package runner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
)

// FileSystemProbe gives read-only access to the managed host's files and
// executables.
type FileSystemProbe interface {
	Exists(path string) bool
	ReadFile(path string) ([]byte, error)
	LookPath(name string) (string, error)
}

// OSProbe reads the local file system.
type OSProbe struct{}

func (OSProbe) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSProbe) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (OSProbe) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// RemoteProbe answers probe calls by running test/cat/command -v through a
// Runner, so it works over SSH.
type RemoteProbe struct {
	Runner Runner
}

func (p RemoteProbe) Exists(path string) bool {
	_, err := p.Runner.Run(context.Background(), Command{Argv: []string{"test", "-e", path}})
	return err == nil
}

func (p RemoteProbe) ReadFile(path string) ([]byte, error) {
	res, err := p.Runner.Run(context.Background(), Command{Argv: []string{"cat", path}})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
		}
		return nil, err
	}
	return []byte(res.Stdout), nil
}

func (p RemoteProbe) LookPath(name string) (string, error) {
	res, err := p.Runner.Run(context.Background(), Command{Argv: []string{"sh", "-c", "command -v " + ShellQuote(name)}})
	if err != nil {
		return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return firstField(res.Stdout), nil
}

func firstField(s string) string {
	for i, c := range s {
		if c == '\n' || c == ' ' {
			return s[:i]
		}
	}
	return s
}
