package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/health"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/prof"
	v "github.com/keithlinneman/linnemanlabs-filestream/internal/version"
)

// cleanups run in reverse registration order
type cleanups []func()

func (c *cleanups) add(f func()) { *c = append(*c, f) }

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = slog.LevelError
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

func run(ctx context.Context, conf cfg.App) error {
	vi := v.Get()

	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return err
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"db_name", conf.DBName,
		"addons_path", conf.AddonsPath,
		"data_dir", conf.DataDir,
		"x_sendfile", conf.XSendfile,
		"attachments", conf.PGDSN != "",
		"cache", conf.RedisAddr != "",
		"assets_bucket", conf.AssetsS3Bucket,
		"webhook", conf.WebhookURL != "",
		"tracing", conf.EnableTracing,
		"pyroscope", conf.EnablePyroscope,
	)

	var done cleanups
	defer done.run()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"database":  conf.DBName,
		},
	})
	if err != nil {
		// profiling is optional
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	done.add(stopProf)

	// the collector runs on localhost, hence Insecure
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:    conf.EnableTracing,
		Endpoint:   conf.OTLPEndpoint,
		Insecure:   true,
		Sample:     conf.TraceSample,
		Service:    v.AppName,
		Component:  "server",
		Version:    vi.Version,
		Attributes: map[string]string{"odoo.database": conf.DBName},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, spans will not be exported")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	svc, err := wire(ctx, conf, L, m, &done)
	if err != nil {
		L.Error(ctx, err, "startup failed")
		return err
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), svc.dbProbe)

	srvOpts := httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    svc.content.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  newLimiter(ctx, L, m).Middleware,
		Logger:       L,
		WriteTimeout: contentWriteTimeout,
	}
	var bundleHash func() string
	if svc.assets != nil {
		srvOpts.BundleInfo = svc.assets
		bundleHash = svc.assets.BundleHash
	}

	stopContent, err := httpserver.Start(ctx, srvOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start content listener")
		return err
	}

	// public addresses are refused in middleware as well as by the security group
	stopOps, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		BundleHash:   bundleHash,
	})
	if err != nil {
		_ = stopContent(context.Background())
		L.Error(ctx, err, "failed to start ops listener")
		return err
	}

	if err := notifySystemd(); err != nil {
		// systemd kills us after its start timeout if this mattered
		L.Warn(ctx, "systemd notify skipped", "reason", err)
	}

	<-ctx.Done()
	shutdown(L, conf, &gate, shutdownSteps{
		content:  stopContent,
		notifier: svc.notifier,
		ops:      stopOps,
		otel:     shutdownOTEL,
	})
	return nil
}
