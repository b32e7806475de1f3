package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/netsim/internal/api"
	"github.com/signalsfoundry/netsim/internal/config"
	"github.com/signalsfoundry/netsim/internal/directory/testnet"
	"github.com/signalsfoundry/netsim/internal/eventlog"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/scenario"
)

// errScenarioFailures is returned by play --strict when any entry was an error.
var errScenarioFailures = errors.New("scenario logged errors")

func newPlayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play <file>",
		Short: "Play a scenario headless and print the event log",
		Long: `Plays one scenario file against an in-process test network and prints
every event log entry as it is appended. Failed operations are reported and
the timeline continues; use --strict to exit non-zero when any failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			jsonOut, _ := cmd.Flags().GetBool("json")
			strict, _ := cmd.Flags().GetBool("strict")

			sc, err := scenario.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}
			errs, err := runPlay(cmd.Context(), sc, playOptions{
				cfg:     cfg,
				out:     cmd.OutOrStdout(),
				jsonOut: jsonOut,
				log:     logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging),
			})
			if err != nil {
				return err
			}
			if strict && errs > 0 {
				return fmt.Errorf("%w: %d", errScenarioFailures, errs)
			}
			return nil
		},
	}
	cmd.Flags().Bool("strict", false, "Exit non-zero when any operation failed")
	return cmd
}

type playOptions struct {
	cfg     *config.Config
	out     io.Writer
	jsonOut bool
	log     logging.Logger
}

// runPlay plays sc to completion and returns how many Error entries it
// produced.
func runPlay(ctx context.Context, sc scenario.Scenario, o playOptions) (int, error) {
	counter := &errorCounter{}
	eng, err := newEngine(ctx, engineOptions{
		cfg:   o.cfg,
		dir:   testnet.New(testnet.WithLogger(o.log)),
		log:   o.log,
		sinks: []eventlog.Sink{printSink{w: o.out, jsonOut: o.jsonOut}, counter},
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = eng.Close(context.Background()) }()

	if err := eng.sim.StartNetwork(ctx); err != nil {
		return 0, err
	}
	done, err := eng.sim.PlayScenario(ctx, sc)
	if err != nil {
		return 0, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		eng.sim.StopScenario()
	}
	// Pending creation reports land before the network is torn down.
	eng.sim.Settle()
	return int(counter.n.Load()), nil
}

// errorCounter counts Error entries.
type errorCounter struct{ n atomic.Int64 }

func (c *errorCounter) Record(e eventlog.Entry) {
	if e.Severity == eventlog.SeverityError {
		c.n.Add(1)
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <files...>",
		Short: "Check scenario files without playing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				sc, err := scenario.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%q, %d operations, %s)\n", path, sc.Name, len(sc.Operations), sc.Duration())
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scenario files invalid", failed, len(args))
			}
			return nil
		},
	}
}

type scenarioListing struct {
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	File            string  `json:"file"`
	Operations      int     `json:"operations"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func newScenariosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "List the scenario directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dir := cfg.ScenarioDir
			if v, _ := cmd.Flags().GetString("dir"); v != "" {
				dir = v
			}
			jsonOut, _ := cmd.Flags().GetBool("json")

			entries, broken, err := scenario.LoadDirectory(dir)
			if err != nil {
				return err
			}
			for _, le := range broken {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipping %s: %v\n", filepath.Base(le.Path), le.Err)
			}

			listing := make([]scenarioListing, 0, len(entries))
			for _, e := range entries {
				listing = append(listing, scenarioListing{
					Name:            e.Scenario.Name,
					Description:     e.Scenario.Description,
					File:            filepath.Base(e.Path),
					Operations:      len(e.Scenario.Operations),
					DurationSeconds: e.Scenario.Duration().Seconds(),
				})
			}
			if jsonOut {
				writeJSON(cmd.OutOrStdout(), listing)
				return nil
			}
			if len(listing) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No scenarios in %s\n", dir)
				return nil
			}
			for _, l := range listing {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %3d ops %6.1fs  %s\n", l.Name, l.Operations, l.DurationSeconds, l.File)
			}
			return nil
		},
	}
	cmd.Flags().String("dir", "", "Scenario directory (defaults to the configured one)")
	return cmd
}

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the topology of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr := cfg.GRPCAddr
			if v, _ := cmd.Flags().GetString("addr"); v != "" {
				addr = v
			}
			jsonOut, _ := cmd.Flags().GetBool("json")

			conn, err := api.Dial(addr)
			if err != nil {
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			view, err := api.NewClient(conn).Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			if jsonOut {
				writeJSON(cmd.OutOrStdout(), view)
				return nil
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d nodes, %d edges\n", len(view.Nodes), len(view.Edges))
			for _, n := range view.Nodes {
				detail := n.Endpoint
				if n.ConnectedNodeID != "" {
					detail = "-> " + n.ConnectedNodeID
				}
				fmt.Fprintf(out, "  %-16s %-16s %-9s %s\n", n.ID, n.Kind, n.Status, detail)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Server gRPC address (defaults to the configured one)")
	return cmd
}
