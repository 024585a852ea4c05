package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Uploader copies local files to the managed host.
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
}

// Upload copies localPath to remotePath over SFTP, creating the parent
// directory, and sets mode on the result.
func (r *SSHRunner) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	start := time.Now()

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	r.mu.Lock()
	err = r.connectLocked(ctx)
	client := r.client
	r.mu.Unlock()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sc.Close()

	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	remote, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}

	n, err := copyWithContext(ctx, remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sc.Remove(remotePath)
		return fmt.Errorf("failed to copy %s: %w", localPath, err)
	}
	if n != info.Size() {
		_ = sc.Remove(remotePath)
		return fmt.Errorf("short upload of %s: %d of %d bytes", localPath, n, info.Size())
	}

	if mode != 0 {
		if err := sc.Chmod(remotePath, mode); err != nil {
			return fmt.Errorf("failed to set mode on %s: %w", remotePath, err)
		}
	}

	log.Info().
		Str("local", localPath).
		Str("remote", remotePath).
		Str("host", r.config.Host).
		Int64("bytes", n).
		Dur("duration", time.Since(start)).
		Msg("file uploaded")
	return nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// InstallingSpawner installs a missing executable on the managed host
// before the first spawn. The binary is uploaded to a staging path and
// moved into place with install(1), so a sudo runner can write system
// directories.
type InstallingSpawner struct {
	Spawner  Spawner
	Runner   Runner
	Uploader Uploader

	// LocalPath is the binary to upload. InstallPath is where it goes,
	// /usr/local/bin/<name> by default.
	LocalPath   string
	InstallPath string

	mu      sync.Mutex
	checked bool
	path    string
}

// Spawn implements Spawner. argv[0] is replaced with the resolved path.
func (s *InstallingSpawner) Spawn(ctx context.Context, argv []string, env map[string]string) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	p, err := s.ensure(ctx, argv[0])
	if err != nil {
		return nil, err
	}
	if p != argv[0] {
		argv = append([]string{p}, argv[1:]...)
	}
	return s.Spawner.Spawn(ctx, argv, env)
}

func (s *InstallingSpawner) installPath(tool string) string {
	if s.InstallPath != "" {
		return s.InstallPath
	}
	return path.Join("/usr/local/bin", path.Base(tool))
}

// ensure finds tool on the host, by name or at the install path, and
// uploads it when neither exists. The result is remembered.
func (s *InstallingSpawner) ensure(ctx context.Context, tool string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checked {
		return s.path, nil
	}

	dst := s.installPath(tool)
	script := fmt.Sprintf("command -v %s || command -v %s", ShellQuote(tool), ShellQuote(dst))
	res, err := s.Runner.Run(ctx, Command{Argv: []string{"sh", "-c", script}, AllowedExitCodes: []int{1}})
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", tool, err)
	}
	if found := strings.TrimSpace(res.Stdout); res.ExitCode == 0 && found != "" {
		s.checked, s.path = true, firstLine(found)
		return s.path, nil
	}

	if s.LocalPath == "" {
		return "", &ToolMissingError{Tool: tool, Err: fmt.Errorf("not installed and no local binary to upload")}
	}

	staging := path.Join("/tmp", fmt.Sprintf(".%s.%s", path.Base(dst), uuid.New().String()))
	if err := s.Uploader.Upload(ctx, s.LocalPath, staging, 0o755); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", tool, err)
	}
	_, err = s.Runner.Run(ctx, Command{Argv: []string{"install", "-m", "0755", staging, dst}})
	if _, rmErr := s.Runner.Run(ctx, Command{Argv: []string{"rm", "-f", staging}}); rmErr != nil {
		log.Warn().Err(rmErr).Str("path", staging).Msg("failed to remove staged upload")
	}
	if err != nil {
		return "", fmt.Errorf("failed to install %s: %w", dst, err)
	}

	log.Info().Str("tool", tool).Str("path", dst).Msg("installed missing executable")
	s.checked, s.path = true, dst
	return dst, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
