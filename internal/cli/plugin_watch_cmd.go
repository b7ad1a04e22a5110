package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jiangfire/envcli-sub000/internal/watcher"
)

func newPluginWatchCmd() *cobra.Command {
	var (
		debounce   time.Duration
		noVerify   bool
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "watch [id]...",
		Short: "Reload plugins when their files change",
		Long:  "Watch the files of the given loaded plugins (all loaded plugins by default) and reload them on change until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withRuntime(ctx, func(rt *runtime) error {
				cfg := watcher.FromConfig(rt.cfg.Plugins.AutoReload)
				if cmd.Flags().Changed("debounce") {
					cfg.Debounce = debounce
				}
				if cmd.Flags().Changed("max-retries") {
					cfg.MaxRetries = maxRetries
				}
				if noVerify {
					cfg.VerifySignature = false
				}

				w := watcher.New(rt.mgr, log, cfg)
				ids := args
				if len(ids) == 0 {
					ids = rt.mgr.LoadedIDs()
				}
				for _, id := range ids {
					c, ok := rt.mgr.Config(id)
					if !ok || !rt.mgr.IsLoaded(id) {
						return fmt.Errorf("plugin %s is not loaded", id)
					}
					if err := w.Watch(id, c.Path); err != nil {
						return err
					}
				}
				if len(ids) == 0 {
					return fmt.Errorf("no plugins loaded, nothing to watch")
				}

				if err := w.Start(ctx); err != nil {
					return err
				}
				defer w.Stop()
				rt.dirty = true

				fmt.Printf("Watching %d plugin(s), press Ctrl-C to stop\n", len(ids))
				return drainResults(ctx, w)
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before a change is handled")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "reload attempts after the first failure")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip signature checks before and after reload")
	return cmd
}

func drainResults(ctx context.Context, w *watcher.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Stopped.")
			return nil
		case res := <-w.Results():
			ts := time.Now().Format(time.TimeOnly)
			switch {
			case res.Unwatched && res.Success:
				fmt.Printf("%s %s: file removed, no longer watched\n", ts, res.PluginID)
			case res.Success:
				fmt.Printf("%s %s: reloaded in %s (retries %d)\n", ts, res.PluginID, res.Duration.Round(time.Millisecond), res.RetryCount)
			default:
				fmt.Printf("%s %s: reload failed after %d retries: %s\n", ts, res.PluginID, res.RetryCount, res.Error)
				if res.Unloaded {
					fmt.Printf("%s %s: unloaded\n", ts, res.PluginID)
				}
			}
			if len(w.Watched()) == 0 {
				fmt.Println("Nothing left to watch.")
				return nil
			}
		}
	}
}
