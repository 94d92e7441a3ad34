// Command configclient keeps the local redis master file in line with the
// configuration server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/failsafe/internal/client"
	"github.com/dreamware/failsafe/internal/config"
	"github.com/dreamware/failsafe/internal/logging"
	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/node"
	"github.com/dreamware/failsafe/internal/pidfile"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	configFile   string
	id           string
	pollInterval time.Duration
	flags        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:          "configclient",
		Short:        "Follow redis master changes announced by the configuration server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(&opts.flags, opts.configFile)
			if err != nil {
				return err
			}
			id := opts.id
			if id == "" {
				if id, err = os.Hostname(); err != nil {
					return errors.Wrap(err, "client id defaults to the hostname")
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, id, opts.pollInterval)
		},
	}
	f := root.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	f.StringVar(&opts.id, "id", "", "client id sent to the server (default hostname)")
	f.DurationVar(&opts.pollInterval, "poll-interval", 0, "poll the server status instead of holding a websocket")
	f.StringVar(&opts.flags.Server, "server", "", "configuration server host (default 127.0.0.1)")
	f.IntVarP(&opts.flags.Port, "port", "p", 0, "configuration server port (default 9650)")
	f.StringVar(&opts.flags.RedisMasterFile, "redis-master-file", "", "path of the redis master file")
	f.IntVar(&opts.flags.ClientHeartbeat, "heartbeat", 0, "seconds between heartbeats (default 5)")
	f.StringVar(&opts.flags.LogLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&opts.flags.LogFile, "log-file", "", "log file, stderr when empty")
	f.StringVar(&opts.flags.PidFile, "pid-file", "", "pid file guarding against a second client")
	return root
}

func run(ctx context.Context, cfg *config.Config, id string, poll time.Duration) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, OutputPath: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync()

	release, err := pidfile.Acquire(cfg.PidFile)
	if err != nil {
		return err
	}
	defer release()

	c, err := client.New(client.Options{
		ID:           id,
		Server:       cfg.ServerURL(),
		MasterFile:   masterfile.New(cfg.RedisMasterFile),
		Dialer:       node.NewRedisDialer(node.Options{DialTimeout: cfg.DialTimeoutDuration(), Logger: logger}),
		Heartbeat:    cfg.ClientHeartbeatInterval(),
		DialTimeout:  cfg.DialTimeoutDuration(),
		PollInterval: poll,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Sugar().Infof("Configuration client %s following %s, master file %s", id, cfg.ServerURL(), cfg.RedisMasterFile)
	return c.Run(ctx)
}
