package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/agent"
	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/providers"
	"github.com/openfroyo/converge/pkg/runner"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// app holds what a command needs, built from settings and flags.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	agent    *agent.Agent
	host     string

	closers []func() error
}

func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		s.Telemetry.Logging.Level = logLevel
	}
	switch dbPath {
	case "":
	case "none":
		s.Database.Path = ""
	default:
		s.Database.Path = dbPath
	}
	if s.Providers == nil {
		s.Providers = make(map[engine.Kind]string)
	}
	for _, p := range providerFlags {
		kind, name, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --provider %q, want kind=name", p)
		}
		s.Providers[engine.Kind(kind)] = name
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// setup builds telemetry and, if needed, the report store and the agent.
func setup(ctx context.Context, withStore, withAgent bool) (context.Context, *app, error) {
	s, err := loadSettings()
	if err != nil {
		return ctx, nil, err
	}

	tel, err := telemetry.NewTelemetry(&s.Telemetry)
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = *tel.Logger.Zerolog()
	ctx = tel.WithContext(ctx)

	rt := &app{settings: s, tel: tel}
	rt.closers = append(rt.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(shutdownCtx)
	})

	if err := tel.Metrics.StartMetricsServer(); err != nil {
		return ctx, rt, err
	}

	if withStore && s.Database.Path != "" {
		if err := rt.openStore(ctx); err != nil {
			return ctx, rt, err
		}
	}

	if withAgent {
		if err := rt.buildAgent(ctx); err != nil {
			return ctx, rt, err
		}
	}
	return ctx, rt, nil
}

func (rt *app) openStore(ctx context.Context) error {
	path := rt.settings.Database.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	rt.closers = append(rt.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	if retention := rt.settings.Database.Retention; retention > 0 {
		n, err := store.DeleteRunsBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			telemetry.FromContext(ctx).Debugf("pruned %d runs older than %s", n, retention)
		}
	}
	rt.store = store
	return nil
}

// target returns the runner, spawner and probe for the managed host.
func (rt *app) target(ctx context.Context) (runner.Runner, runner.Spawner, runner.FileSystemProbe, error) {
	s := rt.settings
	if s.SSH == nil {
		host, _ := os.Hostname()
		rt.host = host
		r := runner.NewExecRunner(s.CommandTimeout, rt.tel.Metrics)
		return r, r, runner.OSProbe{}, nil
	}

	r, err := runner.NewSSHRunner(s.SSH, s.CommandTimeout, rt.tel.Metrics)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := r.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", s.SSH.Address(), err)
	}
	rt.closers = append(rt.closers, r.Close)
	rt.host = s.SSH.Host
	return r, r, runner.RemoteProbe{Runner: r}, nil
}

func (rt *app) buildAgent(ctx context.Context) error {
	r, spawner, probe, err := rt.target(ctx)
	if err != nil {
		return err
	}

	opts := agent.Options{
		Registry: providers.NewRegistry(),
		Deps: engine.Deps{
			Runner:   r,
			Spawner:  spawner,
			Probe:    probe,
			Metrics:  rt.tel.Metrics,
			Settings: rt.settings.ProviderSettings(),
		},
		Host:      rt.host,
		Overrides: rt.settings.Providers,
		Events:    rt.tel.Events,
	}
	if rt.store != nil {
		opts.Store = rt.store
	}
	if rt.settings.SSH != nil {
		p := engine.DetectPlatform(probe, remoteOS(ctx, r))
		opts.Platform = &p
		if u, ok := r.(runner.Uploader); ok {
			opts.Deps.Uploader = u
		}
	}

	a, err := agent.New(opts)
	if err != nil {
		return err
	}
	rt.agent = a

	p := a.Platform()
	telemetry.FromContext(ctx).Debugf("platform %s/%s %s", p.OS, p.ID, p.Version)
	return nil
}

// remoteOS asks the remote kernel for its name, e.g. "linux" or "openbsd".
func remoteOS(ctx context.Context, r runner.Runner) string {
	res, err := r.Run(ctx, runner.Command{Argv: []string{"uname", "-s"}})
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("failed to detect remote OS")
		return ""
	}
	return strings.ToLower(strings.TrimSpace(res.Stdout))
}

// Close releases everything in reverse order of creation.
func (rt *app) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
