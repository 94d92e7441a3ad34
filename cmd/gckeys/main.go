// Command gckeys deletes the dedup keys of expired messages on the current
// redis master.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/failsafe/internal/cluster"
	"github.com/dreamware/failsafe/internal/config"
	"github.com/dreamware/failsafe/internal/dedup"
	"github.com/dreamware/failsafe/internal/logging"
	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/pidfile"
	"github.com/dreamware/failsafe/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		system     string
		flags      config.Config
	)
	root := &cobra.Command{
		Use:          "gckeys",
		Short:        "Garbage collect message dedup keys on the redis master",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(&flags, configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd.OutOrStdout(), cfg, system)
		},
	}
	f := root.Flags()
	f.StringVarP(&configFile, "config", "c", "", "YAML config file")
	f.StringVar(&system, "system", cluster.DefaultSystem, "redis system whose master is collected")
	f.StringVar(&flags.RedisMasterFile, "redis-master-file", "", "path of the redis master file")
	f.StringVar(&flags.GCDatabases, "databases", "", "comma separated redis databases (default 4)")
	f.IntVar(&flags.GCThreshold, "threshold", 0, "seconds past now a message must expire to be kept (default 3600)")
	f.IntVar(&flags.DialTimeout, "dial-timeout", 0, "redis timeout in seconds (default 5)")
	f.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.PidFile, "pid-file", "", "pid file guarding against concurrent runs")
	return root
}

func run(ctx context.Context, w io.Writer, cfg *config.Config, system string) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, OutputPath: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync()

	dbs, err := cfg.GCDatabaseList()
	if err != nil {
		return err
	}
	if err := masterfile.VerifyPath(cfg.RedisMasterFile); err != nil {
		return err
	}
	release, err := pidfile.Acquire(cfg.PidFile)
	if err != nil {
		return err
	}
	defer release()

	removed, err := collect(ctx, gcOptions{
		file:      masterfile.New(cfg.RedisMasterFile),
		system:    system,
		databases: dbs,
		threshold: cfg.GCThresholdDuration(),
		timeout:   cfg.DialTimeoutDuration(),
		logger:    logger,
	}, time.Now())
	for _, db := range dbs {
		fmt.Fprintf(w, "db %d: removed %d messages\n", db, removed[db])
	}
	return err
}

type gcOptions struct {
	file      *masterfile.File
	system    string
	databases []int
	threshold time.Duration
	timeout   time.Duration
	open      dedup.StoreOpener // nil opens redis stores
	logger    *zap.Logger
}

// collect runs the garbage collection on every database and returns the
// number of removed messages per database. It stops at the first failure.
func collect(ctx context.Context, opts gcOptions, now time.Time) (map[int]int, error) {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	log := opts.logger.Sugar()
	removed := make(map[int]int, len(opts.databases))
	for _, db := range opts.databases {
		resolver := dedup.NewMasterFileResolver(opts.file, opts.system,
			storage.RedisOptions{DB: db, Timeout: opts.timeout}, opts.open, opts.logger)
		store := dedup.New(resolver, dedup.Options{FailoverRetries: 3, FailoverDelay: 100 * time.Millisecond, Logger: opts.logger})

		n, err := store.GarbageCollectKeys(ctx, now, opts.threshold)
		resolver.Close()
		removed[db] = n
		if err != nil {
			return removed, errors.Wrapf(err, "garbage collecting db %d", db)
		}
		log.Infof("Expired %d messages in db %d of %s", n, db, resolver.Addr())
	}
	return removed, nil
}
