package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/batfuse/internal/fusion"
	"github.com/srg/batfuse/internal/identity"
	"github.com/srg/batfuse/internal/probe"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fused battery levels for wireless accessories",
	Long: `Run every battery reporting source once and display the fused
battery level per accessory.

Each accessory keeps the highest level any source reported for it during
the cycle; accessories no source answered for show as unknown.`,
	RunE: runStatus,
}

var (
	statusFormat  string
	statusAll     bool
	statusTimeout time.Duration
)

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "table", "Output format (table, json)")
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Include accessories that are not connected")
	statusCmd.Flags().DurationVarP(&statusTimeout, "timeout", "t", 30*time.Second, "Overall collection timeout")
	statusCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

// statusRow is one accessory with its fused battery level, nil when no
// source answered.
type statusRow struct {
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Connected bool   `json:"connected"`
	Battery   *int   `json:"battery,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusFormat != "table" && statusFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", statusFormat)
	}

	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	inventory := probe.NewInventoryProbe(logger)
	cache := fusion.NewCache([]probe.BatteryProbe{
		probe.NewRegistryProbe(logger),
		probe.NewPreferencesProbe(logger),
		inventory,
		probe.NewPowerProbe(logger),
	}, 0, logger)

	baseCtx, cancelTimeout := context.WithTimeout(context.Background(), statusTimeout)
	defer cancelTimeout()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling...")
		cancel()
	}()

	progress := NewProgressPrinter("Reading accessory batteries", "collecting")
	progress.Start()
	setPhase := progress.Callback()

	cache.Refresh(ctx, true)
	setPhase("enumerating")
	accessories, err := inventory.Accessories(ctx)

	progress.Stop()

	if err != nil {
		return fmt.Errorf("failed to enumerate accessories: %w", err)
	}

	rows := make([]statusRow, 0, len(accessories))
	for _, a := range accessories {
		if !statusAll && !a.Connected {
			continue
		}
		row := statusRow{
			Name:      a.Name,
			Address:   a.Address,
			Kind:      a.Kind,
			Connected: a.Connected,
		}
		if lvl, ok := cache.Lookup(identity.NormalizeAddress(a.Address), identity.NormalizeName(a.Name)); ok {
			row.Battery = &lvl
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })

	if statusFormat == "json" {
		return displayStatusJSON(rows)
	}
	return displayStatusTable(rows)
}

func displayStatusTable(rows []statusRow) error {
	if len(rows) == 0 {
		fmt.Println("No wireless accessories found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tKIND\tCONNECTED\tBATTERY")
	fmt.Fprintln(w, strings.Repeat("-", 70))

	for _, row := range rows {
		connected := "no"
		if row.Connected {
			connected = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			row.Name, row.Address, row.Kind, connected, formatBattery(row.Battery))
	}

	return w.Flush()
}

func displayStatusJSON(rows []statusRow) error {
	var w io.Writer = os.Stdout
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rows)
}

// formatBattery renders a level with a color cue: red below 20, yellow
// below 50, green otherwise. A missing level renders as a faint "unknown".
func formatBattery(battery *int) string {
	if battery == nil {
		return color.New(color.Faint).Sprint("unknown")
	}
	c := color.New(color.FgGreen)
	switch {
	case *battery < 20:
		c = color.New(color.FgRed)
	case *battery < 50:
		c = color.New(color.FgYellow)
	}
	return c.Sprintf("%d%%", *battery)
}
