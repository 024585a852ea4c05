package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/parsers"
	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/version"
)

// Server answers helper requests by running rpm and dnf. Query results are
// cached until a flushcache request or process restart.
type Server struct {
	runner  runner.Runner
	version string

	mu       sync.Mutex
	cache    map[string][]parsers.RPMPackage
	requests int
}

// NewServer creates a helper server that runs tools through r.
func NewServer(r runner.Runner, version string) *Server {
	return &Server{
		runner:  r,
		version: version,
		cache:   make(map[string][]parsers.RPMPackage),
	}
}

// Serve sends READY and then answers requests until in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	enc := NewEncoder(out)
	dec := NewDecoder(in)

	if err := enc.EncodeReady(&ReadyMessage{
		Version: s.version,
		PID:     os.Getpid(),
		Actions: []Action{ActionPing, ActionWhatInstalled, ActionWhatAvailable, ActionVersionCompare, ActionFlushCache},
	}); err != nil {
		return fmt.Errorf("failed to send ready: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			_ = enc.EncodeExit(&ExitMessage{Reason: "cancelled", Requests: s.requests})
			return err
		}

		req, err := dec.DecodeRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return enc.EncodeExit(&ExitMessage{Reason: "stdin_closed", Requests: s.requests})
			}
			if errors.Is(err, ErrMalformed) {
				id := ""
				if req != nil {
					id = req.ID
				}
				if encErr := enc.EncodeError(&ErrorMessage{ID: id, Code: "BAD_REQUEST", Message: err.Error()}); encErr != nil {
					return encErr
				}
				continue
			}
			return err
		}

		s.requests++
		start := time.Now()
		result, err := s.Handle(ctx, req)
		if err != nil {
			log.Debug().Err(err).Str("action", string(req.Action)).Msg("helper request failed")
			if encErr := enc.EncodeError(&ErrorMessage{ID: req.ID, Code: "QUERY_FAILED", Message: err.Error()}); encErr != nil {
				return encErr
			}
			continue
		}
		if err := enc.EncodeDone(&DoneMessage{ID: req.ID, Result: result, Duration: time.Since(start).Seconds()}); err != nil {
			return err
		}
	}
}

// Handle answers a single request.
func (s *Server) Handle(ctx context.Context, req *Request) (json.RawMessage, error) {
	switch req.Action {
	case ActionPing:
		return json.Marshal(map[string]bool{"pong": true})

	case ActionWhatInstalled, ActionWhatAvailable:
		var params QueryParams
		if err := ParseData(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Name == "" {
			return nil, fmt.Errorf("name is required")
		}
		pkgs, err := s.query(ctx, req.Action, params)
		if err != nil {
			return nil, err
		}
		return json.Marshal(QueryResult{Packages: pkgs})

	case ActionVersionCompare:
		var params CompareParams
		if err := ParseData(req.Params, &params); err != nil {
			return nil, err
		}
		return json.Marshal(CompareResult{Result: s.compare(ctx, params.A, params.B)})

	case ActionFlushCache:
		s.mu.Lock()
		n := len(s.cache)
		s.cache = make(map[string][]parsers.RPMPackage)
		s.mu.Unlock()
		return json.Marshal(map[string]int{"flushed": n})

	default:
		return nil, fmt.Errorf("unsupported action %q", req.Action)
	}
}

func (s *Server) query(ctx context.Context, action Action, p QueryParams) ([]parsers.RPMPackage, error) {
	key := fmt.Sprintf("%s|%s|%s|%s|%t|%s", action, p.Name, p.Version, p.Arch, p.Provides, strings.Join(p.Options, ","))

	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	var cmd runner.Command
	if action == ActionWhatInstalled {
		argv := []string{"rpm", "-q", "--queryformat", parsers.RPMQueryFormat}
		if p.Provides {
			argv = append(argv, "--whatprovides")
		}
		// rpm exits 1 when nothing matches
		cmd = runner.Command{Argv: append(argv, p.Name), AllowedExitCodes: []int{1}}
	} else {
		argv := []string{"dnf", "repoquery", "-q", "--queryformat", parsers.RepoqueryFormat}
		if p.Version == "" {
			argv = append(argv, "--latest-limit=1")
		}
		argv = append(argv, p.Options...)
		if p.Provides {
			argv = append(argv, "--whatprovides")
		}
		cmd = runner.Command{Argv: append(argv, p.Name)}
	}

	res, err := s.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var matched []parsers.RPMPackage
	for _, pkg := range parsers.ParseRPMQuery(res.Stdout) {
		if p.Arch != "" && pkg.Arch != p.Arch && pkg.Arch != "noarch" {
			continue
		}
		if !MatchVersion(pkg, p.Version) {
			continue
		}
		matched = append(matched, pkg)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return version.CompareRPM(matched[i].EVR(), matched[j].EVR()) > 0
	})

	s.mu.Lock()
	s.cache[key] = matched
	s.mu.Unlock()
	return matched, nil
}

// compare asks rpm's own vercmp through its embedded Lua and falls back to
// the in-process implementation when that is unavailable.
func (s *Server) compare(ctx context.Context, a, b string) int {
	if !strings.ContainsAny(a+b, `"\}`) {
		expr := fmt.Sprintf(`%%{lua: print(rpm.vercmp("%s", "%s"))}`, a, b)
		res, err := s.runner.Run(ctx, runner.Command{Argv: []string{"rpm", "--eval", expr}})
		if err == nil {
			if n, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout)); convErr == nil {
				return sign(n)
			}
		}
	}
	return version.CompareRPM(a, b)
}

// MatchVersion reports whether pkg satisfies constraint. A constraint
// without a release is compared against epoch:version only.
func MatchVersion(pkg parsers.RPMPackage, constraint string) bool {
	op, v := version.SplitConstraint(constraint)
	if v == "" {
		return true
	}

	want := version.ParseEVR(v)
	have := version.EVR{Epoch: pkg.Epoch, Version: pkg.Version, Release: pkg.Release}
	if want.Release == "" {
		have.Release = ""
	}
	if want.Epoch == "" {
		want.Epoch = have.Epoch
	}
	c := version.CompareRPM(have.String(), want.String())

	switch op {
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	default:
		return c == 0
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
