package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/batfuse/internal/identity"
	"github.com/srg/batfuse/internal/livereader"
	"github.com/srg/batfuse/internal/probe"
)

// liveCmd represents the live command
var liveCmd = &cobra.Command{
	Use:   "live [address...]",
	Short: "Read battery levels directly over the wireless battery service",
	Long: `Connect to accessories and read their battery level from the
standard battery service, bypassing the platform reporting utilities.

Without arguments every connected accessory from the inventory is read;
with arguments only the given addresses are. All reads share one deadline,
and accessories that cannot be reached in time report as unknown.`,
	RunE: runLive,
}

var liveTimeout time.Duration

func init() {
	liveCmd.Flags().DurationVarP(&liveTimeout, "timeout", "t", 0, "Batch deadline (default from config)")
	liveCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

// liveTarget pairs one lookup with its display label.
type liveTarget struct {
	label  string
	lookup livereader.Lookup
}

func runLive(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	timeout := cfg.LiveReadTimeout.Std()
	if liveTimeout > 0 {
		timeout = liveTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling...")
		cancel()
	}()

	targets, err := liveTargets(ctx, args, logger)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return ErrNoAccessories
	}

	lookups := make([]livereader.Lookup, len(targets))
	for i, t := range targets {
		lookups[i] = t.lookup
	}

	progress := NewCountdownProgressPrinter("Reading battery levels", "reading", timeout)
	progress.Start()

	reader := livereader.NewReader(livereader.NewBLEDialer(logger), timeout, logger)
	results := reader.Fetch(ctx, lookups, nil)

	progress.Stop()

	return displayLiveTable(targets, results)
}

// liveTargets builds the batch: explicit addresses from args, otherwise
// every connected accessory the inventory reports with an address.
func liveTargets(ctx context.Context, args []string, logger *logrus.Logger) ([]liveTarget, error) {
	if len(args) > 0 {
		targets := make([]liveTarget, 0, len(args))
		for _, arg := range args {
			key := identity.NormalizeAddress(arg)
			if key.IsZero() {
				return nil, fmt.Errorf("invalid address %q", arg)
			}
			targets = append(targets, liveTarget{
				label:  arg,
				lookup: livereader.Lookup{PlatformID: arg, AddressKey: key},
			})
		}
		return targets, nil
	}

	inventory := probe.NewInventoryProbe(logger)
	accessories, err := inventory.ConnectedAccessories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate accessories: %w", err)
	}
	var targets []liveTarget
	for _, a := range accessories {
		lookup := livereader.Lookup{
			PlatformID: a.Address,
			AddressKey: identity.NormalizeAddress(a.Address),
			NameKey:    identity.NormalizeName(a.Name),
		}
		if lookup.AddressKey.IsZero() && lookup.NameKey.IsZero() {
			continue
		}
		label := a.Name
		if label == "" {
			label = a.Address
		}
		targets = append(targets, liveTarget{label: label, lookup: lookup})
	}
	return targets, nil
}

func displayLiveTable(targets []liveTarget, results []livereader.Result) error {
	resolved := make(map[identity.Key]int, len(results))
	for _, res := range results {
		if !res.AddressKey.IsZero() {
			resolved[res.AddressKey] = res.Level
		}
		if !res.NameKey.IsZero() {
			resolved[res.NameKey] = res.Level
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCESSORY\tBATTERY")
	fmt.Fprintln(w, strings.Repeat("-", 40))

	for _, t := range targets {
		var battery *int
		if lvl, ok := resolved[t.lookup.AddressKey]; ok && !t.lookup.AddressKey.IsZero() {
			battery = &lvl
		} else if lvl, ok := resolved[t.lookup.NameKey]; ok && !t.lookup.NameKey.IsZero() {
			battery = &lvl
		}
		fmt.Fprintf(w, "%s\t%s\n", t.label, formatBattery(battery))
	}

	return w.Flush()
}
