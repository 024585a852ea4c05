package commands

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		debounce time.Duration
		interval time.Duration
		whyRun   bool
	)

	cmd := &cobra.Command{
		Use:   "watch <file|dir>...",
		Short: "Converge now and again whenever declarations change",
		Long: `Apply the declarations, then keep watching them.

Every change to a watched file (or to a supported file in a watched
directory) reloads the declarations and converges again. Invalid
declarations are logged and the previous ones stay in effect until the
next change. With --interval the host is also converged periodically,
which corrects drift made outside of froyo-converge.`,
		Example: `  # Re-apply on every change
  froyo-converge watch /etc/froyo/declarations

  # Also converge every 30 minutes
  froyo-converge watch web.yaml --interval 30m`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, rt, err := setup(cmd.Context(), true, true)
			defer func() {
				if cerr := rt.Close(); cerr != nil {
					telemetry.FromContext(ctx).WithError(cerr).Warn("failed to release resources")
				}
			}()
			if err != nil {
				return err
			}

			loader := config.NewLoader()
			current, err := loader.Load(ctx, args...)
			if err != nil {
				return err
			}

			w := &watcher{cmd: cmd, rt: rt, whyRun: whyRun, current: current}
			w.run(ctx)

			if interval > 0 {
				go w.tick(ctx, interval)
			}

			err = loader.Watch(ctx, args, debounce, func(f *config.File, err error) {
				if err != nil {
					telemetry.FromContext(ctx).WithError(err).Error("declarations changed but are invalid, keeping previous")
					return
				}
				w.replace(f)
				w.run(ctx)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "wait for changes to settle before reloading")
	cmd.Flags().DurationVar(&interval, "interval", 0, "also converge periodically (0 disables)")
	cmd.Flags().BoolVar(&whyRun, "why-run", false, "plan only, never change the host")

	return cmd
}

// watcher serializes runs triggered by file changes and by the interval.
type watcher struct {
	cmd    *cobra.Command
	rt     *app
	whyRun bool

	mu      sync.Mutex
	current *config.File
}

func (w *watcher) replace(f *config.File) {
	w.mu.Lock()
	w.current = f
	w.mu.Unlock()
}

func (w *watcher) run(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := runOnce(ctx, w.cmd, w.rt, w.current, w.whyRun); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("run failed")
	}
}

func (w *watcher) tick(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.run(ctx)
		}
	}
}
