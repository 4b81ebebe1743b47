package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/storage"
)

type settings struct {
	PGDSN        string
	BidTimeout   time.Duration
	Interval     time.Duration
	Once         bool
	KafkaBrokers []string
	EventsTopic  string
	InstanceID   string
	LogLevel     string
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Cancels rides left waiting for a driver past the bid timeout",
		Long: `sweeper lists rides still in searching or bidding that were created longer
than the bid timeout ago and cancels them as the system actor with reason
bid_timeout. Run it once from a scheduler or let it loop on an interval.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, s)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	f := cmd.Flags()
	f.String("pg-dsn", "", "postgres DSN of the ride store")
	f.Duration("bid-timeout", 5*time.Minute, "how long a ride may wait for a driver")
	f.Duration("interval", 30*time.Second, "time between sweeps")
	f.Bool("once", false, "run a single sweep and exit")
	f.StringSlice("kafka-brokers", nil, "brokers for publishing cancellation events")
	f.String("events-topic", "dispatch-events", "topic carrying dispatch events")
	f.String("instance-id", "sweeper", "origin stamped on emitted events")
	f.String("log-level", "info", "debug, info, warn or error")
	_ = v.BindPFlags(f)
	return cmd
}

func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("SWEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if cfgFile == "" {
		return nil
	}
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

func loadSettings(v *viper.Viper) (settings, error) {
	s := settings{
		PGDSN:        v.GetString("pg-dsn"),
		BidTimeout:   v.GetDuration("bid-timeout"),
		Interval:     v.GetDuration("interval"),
		Once:         v.GetBool("once"),
		KafkaBrokers: v.GetStringSlice("kafka-brokers"),
		EventsTopic:  v.GetString("events-topic"),
		InstanceID:   v.GetString("instance-id"),
		LogLevel:     v.GetString("log-level"),
	}
	var errs []error
	if s.PGDSN == "" {
		errs = append(errs, errors.New("pg-dsn is required"))
	}
	if s.BidTimeout <= 0 {
		errs = append(errs, errors.New("bid-timeout must be > 0"))
	}
	if !s.Once && s.Interval <= 0 {
		errs = append(errs, errors.New("interval must be > 0"))
	}
	return s, errors.Join(errs...)
}

func run(ctx context.Context, s settings) error {
	logger := logging.NewLogger(s.LogLevel).With("component", "sweeper")

	store, err := storage.NewPostgresStore(ctx, s.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	var sinks []dispatch.Sink
	if len(s.KafkaBrokers) > 0 {
		w := ingest.NewEventWriter(s.KafkaBrokers, s.EventsTopic)
		defer w.Close()
		sinks = append(sinks, w)
	} else {
		logger.Warn("no kafka brokers, cancellations will not reach connected clients")
	}
	outbox := dispatch.NewOutbox(logger, 256, sinks...)
	outbox.Start(context.WithoutCancel(ctx))
	defer outbox.Close()

	cfg := dispatch.DefaultConfig()
	cfg.BidTimeout = s.BidTimeout
	cfg.InstanceID = s.InstanceID
	// the cancel path never consults the driver index
	engine := dispatch.New(store, geo.NewIndex(time.Minute), outbox, cfg, dispatch.WithLogger(logger))

	return loop(ctx, engine, s.Interval, s.Once, logger)
}

type expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

func loop(ctx context.Context, e expirer, interval time.Duration, once bool, logger *slog.Logger) error {
	sweep := func() error {
		n, err := e.ExpireStale(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info("sweep finished", "cancelled", n)
		return nil
	}
	if once {
		return sweep()
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := sweep(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
