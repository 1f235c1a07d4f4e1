package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/batfuse/internal/connwatch"
	"github.com/srg/batfuse/internal/fusion"
	"github.com/srg/batfuse/internal/livereader"
	"github.com/srg/batfuse/internal/probe"
	"github.com/srg/batfuse/internal/resolver"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch accessory connections and resolve batteries live",
	Long: `Run as a daemon: poll the accessory inventory for connection
changes and resolve a battery level for every accessory that connects.

A freshly connected accessory rarely has a value anywhere yet, so the
daemon forces a fusion cycle, attempts a live wireless read, and waits a
short bounded interval before reporting the level or "unknown". Fused
values are refreshed periodically in the background.

Send SIGUSR1 to force an immediate refresh, e.g. after the host wakes
from sleep.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fallback, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fallback = logrus.InfoLevel
	}
	logger, err := configureLogger(cmd, fallback)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	inventory := probe.NewInventoryProbe(logger)
	cache := fusion.NewCache([]probe.BatteryProbe{
		probe.NewThrottled(probe.NewRegistryProbe(logger), cfg.ProbeCooldown.Std(), logger),
		probe.NewThrottled(probe.NewPreferencesProbe(logger), cfg.ProbeCooldown.Std(), logger),
		probe.NewThrottled(inventory, cfg.ProbeCooldown.Std(), logger),
		probe.NewThrottled(probe.NewPowerProbe(logger), cfg.ProbeCooldown.Std(), logger),
	}, cfg.MinRefreshInterval.Std(), logger)

	reader := livereader.NewReader(livereader.NewBLEDialer(logger), cfg.LiveReadTimeout.Std(), logger)

	res := resolver.New(cache, reader, consolePresenter{}, resolver.Options{
		PollInterval: cfg.PollInterval.Std(),
		PollTimeout:  cfg.PollTimeout.Std(),
		Classifier:   classifyAccessory,
	}, logger)

	watcher := connwatch.New(inventory, cfg.WatchInterval.Std(),
		func(a probe.Accessory) { res.HandleConnect(a.Name, a.Address) },
		func(a probe.Accessory) { res.HandleDisconnect(a.Name, a.Address) },
		logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	// SIGUSR1 forces a refresh, for wake-from-sleep hooks.
	refreshCh := make(chan os.Signal, 1)
	signal.Notify(refreshCh, syscall.SIGUSR1)
	defer signal.Stop(refreshCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-refreshCh:
				logger.Info("Forced refresh requested")
				res.RefreshConnectedDeviceBatteries(ctx)
			}
		}
	}()

	// Periodic background fusion keeps cached levels from going stale.
	go func() {
		ticker := time.NewTicker(cfg.RefreshInterval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cache.Refresh(ctx, false)
			}
		}
	}()

	logger.WithField("interval", cfg.WatchInterval.Std()).Info("Watching accessory connections")
	err = watcher.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consolePresenter prints one line per resolved accessory.
type consolePresenter struct{}

func (consolePresenter) Present(dev resolver.Device, battery *int) {
	kind := dev.Kind
	if kind == "" {
		kind = "accessory"
	}
	fmt.Printf("%s  %s [%s]  %s\n",
		time.Now().Format("15:04:05"), dev.Name, kind, formatBattery(battery))
}

// classifyAccessory maps a display name to a coarse accessory kind.
func classifyAccessory(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "airpods max"):
		return "headphones"
	case strings.Contains(lower, "airpods"), strings.Contains(lower, "buds"):
		return "earbuds"
	case strings.Contains(lower, "headphone"), strings.Contains(lower, "headset"):
		return "headphones"
	case strings.Contains(lower, "keyboard"):
		return "keyboard"
	case strings.Contains(lower, "mouse"), strings.Contains(lower, "trackpad"):
		return "pointing"
	case strings.Contains(lower, "speaker"):
		return "speaker"
	case strings.Contains(lower, "controller"), strings.Contains(lower, "gamepad"):
		return "gamepad"
	case strings.Contains(lower, "pencil"):
		return "stylus"
	default:
		return "accessory"
	}
}
