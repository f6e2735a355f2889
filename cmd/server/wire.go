package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/assets"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/attachment"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/automation"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/health"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/stream"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/webcontent"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

// large attachments are handed to the proxy with X-Sendfile, the rest need room
const contentWriteTimeout = 5 * time.Minute

type services struct {
	content  *webcontent.Handler
	assets   *assets.Loader
	notifier *automation.Notifier
	dbProbe  health.Probe
}

// wire builds the content handler and everything behind it. Optional
// backends (redis, the assets bundle) degrade with a log line instead of
// failing startup.
func wire(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics, done *cleanups) (*services, error) {
	svc := &services{}

	roots := cfg.List(conf.AddonsPath)
	if conf.AssetsS3Bucket != "" {
		loader, err := assets.NewLoader(ctx, assets.Options{
			Logger:   L,
			Metrics:  m,
			SSMParam: conf.AssetsSSMParam,
			S3Bucket: conf.AssetsS3Bucket,
			S3Prefix: conf.AssetsS3Prefix,
			Dir:      conf.AssetsDir,
			KMSKeyID: conf.AssetsKMSKey,
		})
		if err != nil {
			return nil, xerrors.Wrap(err, "assets loader")
		}
		svc.assets = loader
		if dir, err := loader.Load(ctx); err != nil {
			L.Error(ctx, err, "assets bundle not loaded, serving addons path only")
		} else {
			roots = append(roots, dir)
		}
	}

	resolver, err := stream.New(stream.Options{
		Roots:        roots,
		FilestoreDir: filepath.Join(conf.DataDir, "filestore"),
		Database:     conf.DBName,
		XSendfile:    conf.XSendfile,
		AccelPrefix:  conf.AccelPrefix,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "stream resolver")
	}

	opts := webcontent.Options{
		Logger:       L,
		Metrics:      m,
		Resolver:     resolver,
		StaticExts:   cfg.List(conf.StaticExts),
		StaticMaxAge: conf.StaticMaxAge,
	}

	if conf.PGDSN == "" {
		L.Info(ctx, "no postgres dsn, serving static resources only")
	} else if err := wireStore(ctx, conf, L, m, &opts, svc, done); err != nil {
		return nil, err
	}

	if conf.WebhookURL != "" {
		svc.notifier = newNotifier(conf, L, m)
		opts.Events = svc.notifier
	}

	svc.content, err = webcontent.New(opts)
	if err != nil {
		return nil, xerrors.Wrap(err, "content handler")
	}
	return svc, nil
}

func wireStore(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.ServerMetrics, opts *webcontent.Options, svc *services, done *cleanups) error {
	fields, err := attachment.ParseFields(cfg.List(conf.BinaryFields))
	if err != nil {
		return xerrors.Wrap(err, "binary fields")
	}
	pool, err := attachment.Connect(ctx, conf.PGDSN)
	if err != nil {
		return xerrors.Wrap(err, "postgres")
	}
	done.add(pool.Close)
	svc.dbProbe = health.Ping("postgres", pool, time.Second)

	store := attachment.NewStore(pool, fields, filepath.Join(conf.DataDir, "filestore", conf.DBName))
	opts.Attachments, opts.Records = store, store

	if conf.RedisAddr == "" {
		return nil
	}
	rdb, err := attachment.NewRedisClient(ctx, conf.RedisAddr, conf.RedisPassword, conf.RedisDB)
	if err != nil {
		// lookups still work, every one of them hits postgres
		L.Error(ctx, err, "redis unavailable, attachment cache disabled")
		return nil
	}
	done.add(func() { _ = rdb.Close() })
	opts.Attachments = attachment.NewCache(store, rdb, attachment.CacheOptions{
		Logger:   L,
		Metrics:  m,
		Database: conf.DBName,
		TTL:      conf.CacheTTL,
	})
	return nil
}

func newNotifier(conf cfg.App, L log.Logger, m *metrics.ServerMetrics) *automation.Notifier {
	hook := automation.Webhook{URL: conf.WebhookURL}
	if conf.WebhookToken != "" {
		hook.Headers = map[string]string{"Authorization": "Bearer " + conf.WebhookToken}
	}
	requester := automation.NewHTTPRequester(automation.HTTPRequesterOptions{
		Timeout: conf.WebhookTimeout,
		Metrics: m,
	})
	return automation.NewNotifier(hook, requester, automation.NotifierOptions{
		Logger:  L.With("handler", "webhook"),
		Timeout: conf.WebhookTimeout,
	})
}

// newLimiter exempts addon static files, they are cacheable and requested in bursts.
func newLimiter(ctx context.Context, L log.Logger, m *metrics.ServerMetrics) *ratelimit.IPLimiter {
	return ratelimit.New(ctx,
		ratelimit.WithSkip(func(r *http.Request) bool { return httpmw.IsStaticPath(r.URL.Path) }),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// logged once per visitor until it is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limiter full, new visitors rejected until eviction")
		}),
	)
}
