// Command configserver runs the redis configuration server.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/failsafe/internal/cluster"
	"github.com/dreamware/failsafe/internal/config"
	"github.com/dreamware/failsafe/internal/coordinator"
	"github.com/dreamware/failsafe/internal/logging"
	"github.com/dreamware/failsafe/internal/masterfile"
	"github.com/dreamware/failsafe/internal/metrics"
	"github.com/dreamware/failsafe/internal/node"
	"github.com/dreamware/failsafe/internal/notify"
	"github.com/dreamware/failsafe/internal/pidfile"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cliOptions struct {
	configFile string
	flags      config.Config
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:          "configserver",
		Short:        "Watch redis masters and coordinate failover with the configuration clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(&opts.flags, opts.configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	f := root.PersistentFlags()
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML config file")
	f.StringVar(&opts.flags.Server, "server", "", "configuration server host (default 127.0.0.1)")
	f.IntVarP(&opts.flags.Port, "port", "p", 0, "configuration server port (default 9650)")

	rf := root.Flags()
	rf.StringVar(&opts.flags.RedisServers, "redis-servers", "", "redis failover sets, e.g. \"primary/a:6379,b:6379\"")
	rf.StringVar(&opts.flags.ClientIDs, "client-ids", "", "comma separated configuration client ids")
	rf.StringVar(&opts.flags.RedisMasterFile, "redis-master-file", "", "path of the redis master file")
	rf.StringVar(&opts.flags.ConfidenceLevelSpec, "confidence-level", "", "percentage of clients that must confirm a failover")
	rf.IntVar(&opts.flags.RedisMasterRetries, "master-retries", 0, "failed master probes before a vote starts")
	rf.IntVar(&opts.flags.RedisMasterRetryInterval, "master-retry-interval", 0, "seconds between master probes")
	rf.IntVar(&opts.flags.ClientTimeout, "client-timeout", 0, "seconds to wait for client replies")
	rf.StringVar(&opts.flags.MailTo, "mail-to", "", "comma separated notification recipients")
	rf.StringVar(&opts.flags.SMTPAddr, "smtp", "", "SMTP relay host:port, mail is disabled when empty")
	rf.StringVar(&opts.flags.LogLevel, "log-level", "", "debug, info, warn or error")
	rf.StringVar(&opts.flags.LogFile, "log-file", "", "log file, stderr when empty")
	rf.StringVar(&opts.flags.PidFile, "pid-file", "", "pid file guarding against a second server")

	root.AddCommand(newStatusCmd(opts), newSwitchCmd(opts))
	return root
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Print the status of a running configuration server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(&opts.flags, opts.configFile)
			if err != nil {
				return err
			}
			return printStatus(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.ServerURL())
		},
	}
}

func newSwitchCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "switch [system]",
		Short:        "Ask a running configuration server to switch a redis master",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(&opts.flags, opts.configFile)
			if err != nil {
				return err
			}
			system := ""
			if len(args) == 1 {
				system = args[0]
			}
			return requestSwitch(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.ServerURL(), system)
		},
	}
}

func printStatus(ctx context.Context, w io.Writer, base string) error {
	var st coordinator.ServerStatus
	if err := cluster.GetJSON(ctx, base+"/.json", &st); err != nil {
		return errors.Wrap(err, "fetching server status")
	}
	fmt.Fprintf(w, "configured clients: %s\n", strings.Join(st.ConfiguredClientIDs, ", "))
	if len(st.UnseenClientIDs) > 0 {
		fmt.Fprintf(w, "unseen clients:     %s\n", strings.Join(st.UnseenClientIDs, ", "))
	}
	if len(st.UnresponsiveClients) > 0 {
		fmt.Fprintf(w, "unresponsive:       %s\n", strings.Join(st.UnresponsiveClients, ", "))
	}
	for _, sys := range st.RedisSystems {
		state := "available"
		if !sys.RedisMasterAvailable {
			state = "NOT available"
		}
		if sys.SwitchInProgress {
			state += ", switch in progress"
		}
		fmt.Fprintf(w, "%s: master %s (%s), slaves: %s\n",
			sys.SystemName, sys.RedisMaster, state, strings.Join(sys.RedisSlavesAvailable, ", "))
	}
	return nil
}

func requestSwitch(ctx context.Context, w io.Writer, base, system string) error {
	url := base + "/initiate_master_switch"
	if system != "" {
		url += "?system_name=" + system
	}
	code, err := cluster.Post(ctx, url)
	if err != nil {
		return errors.Wrap(err, "requesting master switch")
	}
	switch code {
	case http.StatusCreated:
		fmt.Fprintln(w, "Master switch initiated")
	case http.StatusOK:
		fmt.Fprintln(w, "No master switch necessary")
	default:
		return errors.Newf("master switch request failed with status %d", code)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, OutputPath: cfg.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := cfg.Validate(); err != nil {
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var notifiers notify.Multi
	var mailer *notify.Mailer
	if cfg.SMTPAddr != "" {
		mailer = notify.NewMailer(cfg.MailFrom, strings.Split(cfg.MailTo, ","), cfg.SMTPAddr, nil, logger)
		notifiers = append(notifiers, mailer)
	}

	srv, err := coordinator.NewServer(coordinator.Options{
		Systems:             cfg.Systems(),
		Watchers:            cfg.ClientIDList(),
		MasterRetries:       cfg.RedisMasterRetries,
		MasterRetryInterval: cfg.MasterRetryInterval(),
		ClientTimeout:       cfg.ClientTimeoutDuration(),
		ConfidenceLevel:     coordinator.Confidence(cfg.ConfidenceLevel()),
		Dialer: node.NewRedisDialer(node.Options{
			DialTimeout: cfg.DialTimeoutDuration(),
			Logger:      logger,
		}),
		MasterFile: masterfile.New(cfg.RedisMasterFile),
		Notifier:   notifiers,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	log.Infof("Starting configuration server for systems %v", cfg.Systems())
	if err := srv.Initialize(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newHTTPServer(srv, reg, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Configuration server listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error { return srv.Run(gctx) })
	if mailer != nil {
		g.Go(func() error { return mailer.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Hub().Close()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("Configuration server stopped")
	return err
}
