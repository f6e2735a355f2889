package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/automation"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/health"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

type shutdownSteps struct {
	content  func(context.Context) error
	notifier *automation.Notifier
	ops      func(context.Context) error
	otel     func(context.Context) error
}

// shutdown fails readiness, waits out the drain period (a second signal cuts
// it short) and then stops everything in dependency order.
func shutdown(L log.Logger, conf cfg.App, gate *health.ShutdownGate, s shutdownSteps) {
	bg := context.Background()
	gate.Set("draining")
	L.Info(bg, "shutdown signal received, readiness failing", "drain_period", conf.DrainPeriod.String())

	if conf.DrainPeriod > 0 {
		force := make(chan os.Signal, 1)
		signal.Notify(force, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainPeriod):
		case <-force:
			L.Warn(bg, "second signal received, skipping drain")
		}
		signal.Stop(force)
	}

	ctx, cancel := context.WithTimeout(bg, conf.ShutdownTimeout)
	defer cancel()

	if err := s.content(ctx); err != nil {
		L.Error(bg, err, "content server shutdown")
	}
	// queued download notifications outlive their requests
	if s.notifier != nil {
		if err := s.notifier.Wait(ctx); err != nil {
			L.Error(bg, err, "webhook deliveries did not finish")
		}
	}
	if err := s.ops(ctx); err != nil {
		L.Error(bg, err, "ops server shutdown")
	}
	if err := s.otel(ctx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}
	L.Info(bg, "shutdown complete")
}

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.DialTimeout("unixgram", addr, time.Second)
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "write notify socket")
	}
	return nil
}
