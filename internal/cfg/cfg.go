package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/attachment"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	DrainPeriod     time.Duration
	ShutdownTimeout time.Duration

	// streams
	AddonsPath   string
	DataDir      string
	DBName       string
	XSendfile    bool
	AccelPrefix  string
	StaticExts   string
	StaticMaxAge time.Duration

	// attachment store and cache
	PGDSN         string
	BinaryFields  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// addon static assets bundle
	AssetsSSMParam string
	AssetsS3Bucket string
	AssetsS3Prefix string
	AssetsDir      string
	AssetsKMSKey   string

	// download webhook
	WebhookURL     string
	WebhookToken   string
	WebhookTimeout time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8069, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 60*time.Second, "how long readiness fails before listeners close on shutdown")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "deadline for in-flight requests and webhook deliveries after draining")

	fs.StringVar(&c.AddonsPath, "addons-path", "", "comma separated trusted roots searched for addon static files")
	fs.StringVar(&c.DataDir, "data-dir", "/var/lib/odoo", "data directory, attachments live under <data-dir>/filestore/<db-name>")
	fs.StringVar(&c.DBName, "db-name", "", "database whose filestore and attachments are served")
	fs.BoolVar(&c.XSendfile, "x-sendfile", false, "delegate filestore downloads to the reverse proxy with X-Accel-Redirect")
	fs.StringVar(&c.AccelPrefix, "accel-prefix", "/web/filestore", "internal location the proxy maps onto <data-dir>/filestore")
	fs.StringVar(&c.StaticExts, "static-exts", ".js,.css,.map,.png,.jpg,.jpeg,.gif,.svg,.ico,.webp,.woff,.woff2,.ttf,.eot", "comma separated extensions allowed for static files, empty allows all")
	fs.DurationVar(&c.StaticMaxAge, "static-max-age", 7*24*time.Hour, "max-age of static files requested without a unique token")

	fs.StringVar(&c.PGDSN, "pg-dsn", "", "postgres DSN for attachment and record lookups, empty disables /web/content and /web/image")
	fs.StringVar(&c.BinaryFields, "binary-fields", "", "comma separated model:field[:column][:nolog] entries readable through /web/image")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for the attachment cache, empty disables caching")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", 5*time.Minute, "attachment cache entry lifetime")

	fs.StringVar(&c.AssetsSSMParam, "assets-ssm-param", "/app/linnemanlabs-filestream/assets/stable/sha256", "ssm parameter name to get the assets bundle hash from")
	fs.StringVar(&c.AssetsS3Bucket, "assets-s3-bucket", "", "s3 bucket name to get the assets bundle from, empty disables bundles")
	fs.StringVar(&c.AssetsS3Prefix, "assets-s3-prefix", "apps/linnemanlabs-filestream/assets/bundles", "s3 prefix (key) to get the assets bundle from")
	fs.StringVar(&c.AssetsKMSKey, "assets-kms-key", "", "KMS key id or alias whose signature <bundle>.sig must carry, empty skips signature checks")
	fs.StringVar(&c.AssetsDir, "assets-dir", "/var/cache/linnemanlabs-filestream/assets", "directory assets bundles are extracted into")

	fs.StringVar(&c.WebhookURL, "webhook-url", "", "http(s) endpoint notified of downloads, empty disables")
	fs.StringVar(&c.WebhookToken, "webhook-token", "", "bearer token sent with webhook requests")
	fs.DurationVar(&c.WebhookTimeout, "webhook-timeout", 10*time.Second, "timeout for each webhook request")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// List splits a comma separated flag value, dropping blanks.
func List(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// problems collects every invalid field so one run reports all of them
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// hostPort accepts host:port with a numeric port and no scheme.
// net.SplitHostPort alone lets "http://collector" through as host "http".
func hostPort(s string) error {
	if strings.Contains(s, "://") {
		return errors.New("scheme not allowed")
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	if n, err := strconv.Atoi(port); err != nil || !validPort(n) {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// Validate reports every invalid field joined into one error, or nil.
func Validate(c App) error {
	var p problems
	c.checkServer(&p)
	c.checkObservability(&p)
	c.checkStreams(&p)
	c.checkStore(&p)
	c.checkAssets(&p)
	c.checkWebhook(&p)
	return errors.Join(p...)
}

func (c App) checkServer(p *problems) {
	if !validPort(c.HTTPPort) {
		p.addf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if !validPort(c.AdminPort) {
		p.addf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		p.addf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.DrainPeriod < 0 {
		p.addf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod)
	}
	if c.ShutdownTimeout <= 0 {
		p.addf("SHUTDOWN_TIMEOUT must be positive (got %s)", c.ShutdownTimeout)
	}
}

func (c App) checkObservability(p *problems) {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		p.addf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			p.addf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		p.addf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		p.addf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	// the grpc exporter wants host:port without a scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			p.addf("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if err := hostPort(c.OTLPEndpoint); err != nil {
			p.addf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			p.addf("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			p.addf("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			p.addf("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
}

func (c App) checkStreams(p *problems) {
	if c.DBName != "" && (strings.ContainsAny(c.DBName, `/\`) || c.DBName == "." || c.DBName == "..") {
		p.addf("DB_NAME must be a single path element (got %q)", c.DBName)
	}
	if c.XSendfile && c.DataDir == "" {
		p.addf("DATA_DIR required when X_SENDFILE=true")
	}
	if !strings.HasPrefix(c.AccelPrefix, "/") {
		p.addf("ACCEL_PREFIX must start with / (got %q)", c.AccelPrefix)
	}
	for _, ext := range List(c.StaticExts) {
		if !strings.HasPrefix(ext, ".") {
			p.addf("STATIC_EXTS entries must start with . (got %q)", ext)
		}
	}
	if c.StaticMaxAge < 0 {
		p.addf("STATIC_MAX_AGE must not be negative (got %s)", c.StaticMaxAge)
	}
}

func (c App) checkStore(p *problems) {
	if c.PGDSN != "" {
		if _, err := pgxpool.ParseConfig(c.PGDSN); err != nil {
			p.addf("invalid PG_DSN: %w", err)
		}
		if c.DBName == "" {
			p.addf("DB_NAME required when PG_DSN is set")
		}
	}
	if _, err := attachment.ParseFields(List(c.BinaryFields)); err != nil {
		p.addf("invalid BINARY_FIELDS: %w", err)
	}
	if c.RedisAddr == "" {
		return
	}
	if err := hostPort(c.RedisAddr); err != nil {
		p.addf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err)
	}
	if c.RedisDB < 0 {
		p.addf("REDIS_DB must not be negative (got %d)", c.RedisDB)
	}
	if c.CacheTTL <= 0 {
		p.addf("CACHE_TTL must be positive (got %s)", c.CacheTTL)
	}
}

func (c App) checkAssets(p *problems) {
	if c.AssetsS3Bucket == "" {
		return
	}
	if c.AssetsSSMParam == "" {
		p.addf("ASSETS_SSM_PARAM required when ASSETS_S3_BUCKET is set")
	}
	if c.AssetsDir == "" {
		p.addf("ASSETS_DIR required when ASSETS_S3_BUCKET is set")
	}
	if strings.TrimSpace(c.AssetsKMSKey) != c.AssetsKMSKey {
		p.addf("ASSETS_KMS_KEY must not contain surrounding spaces (got %q)", c.AssetsKMSKey)
	}
}

func (c App) checkWebhook(p *problems) {
	if c.WebhookURL == "" {
		return
	}
	if u, err := url.Parse(c.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		p.addf("WEBHOOK_URL must be an http(s) URL (got %q)", c.WebhookURL)
	}
	if c.WebhookTimeout <= 0 {
		p.addf("WEBHOOK_TIMEOUT must be positive (got %s)", c.WebhookTimeout)
	}
}
