package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/risa-org/hacore/client"
	"github.com/risa-org/hacore/failover"
	"github.com/risa-org/hacore/metrics"
)

type produceOptions struct {
	configPath string
	connectors []string
	count      int
	size       int
	durable    bool
	commit     int
}

func newProduceCommand() *cobra.Command {
	var o produceOptions
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send messages through a session and report what was confirmed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProduce(cmd.Context(), o)
		},
	}
	bindOptions(cmd, []opt{
		newOpt(&o.configPath, "config", "", "path to a TOML config file"),
		newOpt(&o.connectors, "connectors", []string{"tcp://127.0.0.1:5445"}, "initial connectors, overriding the config file"),
		newOpt(&o.count, "count", 1000, "number of messages to send"),
		newOpt(&o.size, "size", 256, "message body size in bytes"),
		newOpt(&o.durable, "durable", true, "send durable messages"),
		newOpt(&o.commit, "commit", 0, "commit every n sends, 0 to auto-commit"),
	})
	return cmd
}

func runProduce(ctx context.Context, o produceOptions) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	if len(o.connectors) > 0 {
		cfg.Connectors = o.connectors
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	l, err := client.NewLocator(cfg, client.WithLogger(log), client.WithMetrics(metrics.New()))
	if err != nil {
		return err
	}
	defer l.Close()

	l.Coordinator().OnTransition(func(t failover.Transition) {
		log.Info("Failover transition",
			zap.String("conn_id", t.ConnectionID),
			zap.Stringer("from", t.From),
			zap.Stringer("to", t.To),
			zap.Stringer("cause", t.Cause),
			zap.Int("attempt", t.Attempt))
	})

	f, err := l.CreateSessionFactory(ctx)
	if err != nil {
		return err
	}
	s, err := f.CreateSession(ctx, client.SessionConfig{
		AutoCommitSends: o.commit <= 0,
		AutoCommitAcks:  true,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	body := make([]byte, o.size)
	if _, err := rand.Read(body); err != nil {
		return err
	}

	start := time.Now()
	var sent int
	for sent < o.count {
		if _, err := s.Send(ctx, body, o.durable); err != nil {
			return fmt.Errorf("send %d: %w", sent+1, err)
		}
		sent++
		if o.commit > 0 && sent%o.commit == 0 {
			if _, err := s.Commit(ctx); err != nil {
				return fmt.Errorf("commit after %d: %w", sent, err)
			}
		}
	}
	if o.commit > 0 && sent%o.commit != 0 {
		if _, err := s.Commit(ctx); err != nil {
			return fmt.Errorf("commit after %d: %w", sent, err)
		}
	}
	elapsed := time.Since(start)

	rate := float64(sent) / elapsed.Seconds()
	fmt.Printf("sent %s messages (%s) in %s, %s msg/s\n",
		humanize.Comma(int64(sent)),
		humanize.IBytes(uint64(sent*o.size)),
		elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(rate, 0))
	fmt.Printf("last confirmed %d, pending %d, reattached %d times, node %s\n",
		s.LastConfirmed(), s.Pending(), s.ReattachCount(), f.NodeID())
	return nil
}
