// monitorctl inspects and controls a REFLIV monitor through its shared store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/SteelMorgan/refliv-monitor/internal/config"
	"github.com/SteelMorgan/refliv-monitor/internal/lease"
	"github.com/SteelMorgan/refliv-monitor/internal/monitor"
	"github.com/SteelMorgan/refliv-monitor/internal/observability"
	"github.com/SteelMorgan/refliv-monitor/internal/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		printHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	command, rest := args[0], args[1:]
	switch command {
	case "status":
		return runStatus(cfg, rest)
	case "stop":
		return runStop(cfg, rest)
	case "ingest":
		return runIngest(cfg, rest)
	case "folders":
		return runFolders(cfg, rest)
	default:
		printHelp()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printHelp() {
	fmt.Fprint(os.Stderr, `monitorctl controls the REFLIV log monitor.

Usage:
  monitorctl status [--json]         show local and lease state
  monitorctl stop [--wait 10s]       ask the running monitor to stop
  monitorctl ingest FILE...          parse whole files and store their events
  monitorctl folders [--json]        list folder policies

Configuration is read from the same environment as the monitor daemon.
The bolt store is locked by a running daemon; status and stop reach a live
daemon through STORE_DRIVER=postgres or LEASE_BACKEND=redis.
`)
}

func parseFlags(name string, args []string, define func(*pflag.FlagSet)) (*pflag.FlagSet, error) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	verbose := flagSet.BoolP("verbose", "v", false, "log at the configured level instead of warn")
	if define != nil {
		define(flagSet)
	}
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if *verbose {
		observability.InitLogger(os.Getenv("LOG_LEVEL"), "")
	} else {
		observability.InitLogger("warn", "")
	}
	return flagSet, nil
}

func openCoordinator(ctx context.Context, cfg *config.Config) (service.LeaseStore, *lease.Coordinator, error) {
	st, err := service.OpenLeaseStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return st, lease.NewCoordinator(st, cfg.LeaseStaleness), nil
}

func runStatus(cfg *config.Config, args []string) error {
	var asJSON bool
	if _, err := parseFlags("status", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "print status as JSON")
	}); err != nil {
		return err
	}

	ctx := context.Background()
	st, coord, err := openCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	status, err := monitor.ReadStatus(ctx, coord, false)
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printStatus(status)
	return nil
}

func printStatus(s monitor.Status) {
	state := "stopped"
	if s.Running() {
		state = "running"
	}
	fmt.Printf("state:          %s\n", state)
	if s.Lease == nil {
		fmt.Println("lease:          none")
		return
	}
	fmt.Printf("owner:          %s\n", s.Lease.Owner)
	fmt.Printf("active:         %t\n", s.Lease.Active)
	fmt.Printf("live:           %t\n", s.Live)
	fmt.Printf("stop requested: %t\n", s.Lease.StopRequested)
	if !s.Lease.HeartbeatAt.IsZero() {
		fmt.Printf("heartbeat:      %s\n", s.Lease.HeartbeatAt.Format(time.RFC3339))
	}
	if s.Lease.StartedAt != nil {
		fmt.Printf("started:        %s\n", s.Lease.StartedAt.Format(time.RFC3339))
	}
	if s.Lease.StoppedAt != nil {
		fmt.Printf("stopped:        %s\n", s.Lease.StoppedAt.Format(time.RFC3339))
	}
}

func runStop(cfg *config.Config, args []string) error {
	var wait time.Duration
	if _, err := parseFlags("stop", args, func(fs *pflag.FlagSet) {
		fs.DurationVar(&wait, "wait", 0, "wait up to this long for the monitor to release its lease")
	}); err != nil {
		return err
	}

	ctx := context.Background()
	st, coord, err := openCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := coord.RequestStop(ctx); err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	fmt.Println("stop requested")
	if wait <= 0 {
		return nil
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		rec, err := coord.Lease(ctx)
		if err != nil {
			return err
		}
		if rec == nil || !rec.Active {
			fmt.Println("monitor stopped")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return errors.New("monitor still holds the lease")
}

func runIngest(cfg *config.Config, args []string) error {
	flagSet, err := parseFlags("ingest", args, nil)
	if err != nil {
		return err
	}
	files := flagSet.Args()
	if len(files) == 0 {
		return errors.New("ingest needs at least one file")
	}

	ctx := context.Background()
	svc, err := service.NewMonitorService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ingester := svc.Ingest()
	var failed int
	for _, file := range files {
		res, err := ingester.IngestFile(ctx, file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			failed++
			continue
		}
		fmt.Printf("%s: extracted %d, stored %d (%s)\n", res.File, res.Extracted, res.Saved, res.Duration.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func runFolders(cfg *config.Config, args []string) error {
	var asJSON bool
	if _, err := parseFlags("folders", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "print policies as JSON")
	}); err != nil {
		return err
	}

	ctx := context.Background()
	st, err := service.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	policies, err := st.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(policies)
	}
	for _, p := range policies {
		mode := fmt.Sprintf("patterns=%v", p.IncludePatterns)
		if p.RotationMode() {
			mode = fmt.Sprintf("rotation=%s.1..%d", p.RotationBase, p.RotationMax)
		}
		fmt.Printf("%d\t%s\tactive=%t\tpoll=%ds\tmax=%d\t%s\n", p.ID, p.Path, p.Active, p.PollingInterval, p.MaxFiles, mode)
	}
	return nil
}
