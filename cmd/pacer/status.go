package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/pacing"
	"github.com/pacerhq/pacer/internal/secrets"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/store"
	"github.com/pacerhq/pacer/internal/usageapi"
)

func statusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show store, pacing, vault and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			if !watch {
				out, err := renderStatus(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}
			return watchStatus(cfg)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "re-render when state files change")
	return cmd
}

// renderStatus gathers the independent sections concurrently; each
// section degrades to a note rather than failing the whole view.
func renderStatus(ctx context.Context, cfg *config.Config) (string, error) {
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	rec := metrics.New(st)

	var (
		pacingSection   string
		metricsSection  string
		vaultSection    string
		blockageSection string
		sessionSection  string
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { pacingSection = renderPacing(st, cfg); return nil })
	g.Go(func() error { metricsSection = renderMetrics(rec); return nil })
	g.Go(func() error { vaultSection = renderVault(cfg); return nil })
	g.Go(func() error { blockageSection = renderBlockages(st); return nil })
	g.Go(func() error { sessionSection = renderSessions(cfg); return nil })
	if err := g.Wait(); err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pacer %s — %s\n\n", Version, cfg.Home)
	b.WriteString(pacingSection)
	b.WriteString(metricsSection)
	b.WriteString(vaultSection)
	b.WriteString(blockageSection)
	b.WriteString(sessionSection)
	return b.String(), nil
}

func renderPacing(st *store.Store, cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("Pacing\n")
	snap, err := st.LatestSnapshot()
	switch {
	case err != nil:
		fmt.Fprintf(&b, "  snapshot: unavailable (%v)\n", err)
	case snap == nil:
		b.WriteString("  snapshot: none yet\n")
	default:
		fmt.Fprintf(&b, "  snapshot: %s  5h %.1f%%  7d %.1f%%\n",
			snap.TakenAt.Local().Format("15:04:05"), snap.FiveHourUtil, snap.SevenDayUtil)
	}
	d, err := st.LatestDecision()
	switch {
	case err != nil:
		fmt.Fprintf(&b, "  decision: unavailable (%v)\n", err)
	case d == nil:
		b.WriteString("  decision: none yet\n")
	case d.ShouldThrottle:
		fmt.Fprintf(&b, "  decision: throttle %.0fs (%s window %.1f%% over pace)\n",
			d.DelaySeconds, d.ConstrainedWindow, d.Deviation)
	default:
		b.WriteString("  decision: under pace\n")
	}
	if !cfg.Pacing.Enabled {
		b.WriteString("  pacing disabled by config\n")
	}
	b.WriteString("\n")
	return b.String()
}

func renderMetrics(rec *metrics.Recorder) string {
	var b strings.Builder
	b.WriteString("Last 24h\n")
	for _, m := range []string{metrics.MetricSessions, metrics.MetricTraces, metrics.MetricSpans, metrics.MetricNudges} {
		total, err := rec.Total24h(m)
		if err != nil {
			fmt.Fprintf(&b, "  %-10s unavailable\n", m)
			continue
		}
		fmt.Fprintf(&b, "  %-10s %.0f\n", m, total)
	}
	if masked, err := rec.SecretsMasked24h(); err == nil {
		fmt.Fprintf(&b, "  %-10s %d\n", "masked", masked)
	}
	b.WriteString("\n")
	return b.String()
}

func renderVault(cfg *config.Config) string {
	vault, err := secrets.Open(cfg.SecretsPath(), cfg.Secrets.MinLength)
	if err != nil {
		return fmt.Sprintf("Vault\n  unavailable (%v)\n\n", err)
	}
	defer vault.Close()
	n, err := vault.Count()
	if err != nil {
		return fmt.Sprintf("Vault\n  unavailable (%v)\n\n", err)
	}
	return fmt.Sprintf("Vault\n  %d secrets\n\n", n)
}

func renderBlockages(st *store.Store) string {
	counts, err := st.CountBlockagesSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		return fmt.Sprintf("Blockages (24h)\n  unavailable (%v)\n\n", err)
	}
	if len(counts) == 0 {
		return "Blockages (24h)\n  none\n\n"
	}
	var b strings.Builder
	b.WriteString("Blockages (24h)\n")
	for category, n := range counts {
		fmt.Fprintf(&b, "  %-28s %d\n", category, n)
	}
	b.WriteString("\n")
	return b.String()
}

func renderSessions(cfg *config.Config) string {
	sessions := statefile.ListSessions(cfg.SessionsDir())
	if len(sessions) == 0 {
		return "Sessions\n  none recorded\n"
	}
	var b strings.Builder
	b.WriteString("Sessions\n")
	for i, s := range sessions {
		if i >= 5 {
			fmt.Fprintf(&b, "  ... and %d more\n", len(sessions)-i)
			break
		}
		fmt.Fprintf(&b, "  %s  %s  %s\n", s.StartedAt.Local().Format("Jan 02 15:04"), s.SessionID, s.Cwd)
	}
	return b.String()
}

// watchStatus re-renders on every state change under the pacer home,
// debounced so a burst of hook writes paints once.
func watchStatus(cfg *config.Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()

	for _, dir := range []string{cfg.Home, cfg.SessionsDir(), cfg.TraceDir()} {
		if err := watcher.Add(dir); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot watch %s: %v\n", dir, err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	paint := func() {
		out, err := renderStatus(context.Background(), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Print("\033[H\033[2J")
		fmt.Print(out)
	}
	paint()

	var pending <-chan time.Time
	for {
		select {
		case <-sig:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-pending:
			pending = nil
			paint()
		}
	}
}

func paceCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "pace",
		Short: "Show the current pacing projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := adminConfig()
			st, err := store.Open(cfg.StorePath())
			if err != nil {
				return err
			}
			defer st.Close()

			if refresh {
				token, err := usageapi.LoadToken(cfg.Usage.CredentialsPath)
				if err != nil {
					return fmt.Errorf("refresh requires host credentials: %w", err)
				}
				hs := statefile.LoadHookState(cfg.HookStatePath())
				hs.LastPollTime = time.Time{} // force the poll
				poller := newPoller(cfg, st, usageapi.NewClient(cfg.Usage.BaseURL, token))
				poller.Run(cmd.Context(), hs)
				if err := statefile.Save(cfg.HookStatePath(), hs); err != nil {
					return err
				}
			}

			snap, err := st.LatestSnapshot()
			if err != nil {
				return err
			}
			if snap == nil {
				fmt.Println("no usage snapshot yet; run with --refresh or wait for a hook poll")
				return nil
			}

			proj := pacing.Compute(time.Now(),
				pacing.WindowState{Utilization: snap.FiveHourUtil, ResetsAt: snap.FiveHourResetsAt},
				pacing.WindowState{Utilization: snap.SevenDayUtil, ResetsAt: snap.SevenDayResetsAt},
				pacingParams(cfg))

			printWindow := func(name string, w pacing.WindowProjection) {
				if !w.Engaged {
					fmt.Printf("%-9s not engaged\n", name)
					return
				}
				fmt.Printf("%-9s %.1f%% used, target %.1f%% (%+.1f%%), %.1f%% buffer remaining\n",
					name, w.Utilization, w.Target, w.Deviation, w.BufferRemaining)
			}
			printWindow("5-hour", proj.FiveHour)
			printWindow("7-day", proj.SevenDay)
			if proj.ShouldThrottle {
				fmt.Printf("verdict:  throttle %.0fs (%s window constrains)\n", proj.DelaySeconds, proj.ConstrainedWindow)
			} else {
				fmt.Println("verdict:  under pace")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "poll the usage API before projecting")
	return cmd
}
