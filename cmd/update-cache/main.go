// Command update-cache warms or refreshes the ispdb snapshot cache.
//
// Usage:
//
//	go run ./cmd/update-cache [--cache-dir DIR] [--refresh-days N] [--force] [ADDRESS...]
//
// Settings default to the ISPDB_* environment variables. Without --force the
// cache is only downloaded when it is missing or older than the refresh
// interval. Any addresses given are resolved afterwards as a smoke check.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/andreiashu/ispdb"
)

type flags struct {
	cacheDir    string
	refreshDays int
	force       bool
	verbose     bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "update-cache [address...]",
		Short:         "Download or refresh the ispdb snapshot cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f, args)
		},
	}
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "snapshot directory (default $ISPDB_CACHE_DIR or the temp dir)")
	cmd.Flags().IntVar(&f.refreshDays, "refresh-days", 0, "refresh interval in days (default $ISPDB_REFRESH_DAYS or 14)")
	cmd.Flags().BoolVar(&f.force, "force", false, "download fresh data even if the cache is current")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log progress")
	return cmd
}

func run(cmd *cobra.Command, f flags, args []string) error {
	cfg, err := ispdb.LoadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("cache-dir") {
		cfg.CacheDir = f.cacheDir
	}
	if cmd.Flags().Changed("refresh-days") {
		cfg.RefreshDays = f.refreshDays
	}

	logger := zap.NewNop()
	if f.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	r, err := ispdb.NewReader(ctx, ispdb.WithConfig(*cfg), ispdb.WithLogger(logger))
	if err != nil {
		return err
	}
	if f.force {
		fmt.Fprintln(out, "Forcing refresh...")
		if err := r.Refresh(ctx); err != nil {
			return err
		}
	}

	s := r.Stats()
	fmt.Fprintf(out, "Cache: %s\n", s.CacheDir)
	fmt.Fprintf(out, "Last refresh: %s\n", s.LastRefresh.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "Prefixes: %d IPv4, %d IPv6\n", s.Prefixes4, s.Prefixes6)
	fmt.Fprintf(out, "Organizations: %d (%d malformed rows skipped)\n", s.Organizations, s.SkippedOrgLines)
	fmt.Fprintf(out, "IPv4 addresses covered: %s\n", s.Coverage4)

	for _, arg := range args {
		res, err := r.LookupString(ctx, arg)
		if err != nil {
			return err
		}
		if !res.Found {
			fmt.Fprintf(out, "%s: not found\n", res.Address)
			continue
		}
		fmt.Fprintf(out, "%s: AS%d %s (%s)\n", res.Address, res.ASN, res.Organization, res.Network)
	}
	return nil
}
