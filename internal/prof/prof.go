// Package prof runs the pyroscope continuous profiler and tags the stream
// work it samples.
package prof

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/log"
	"github.com/keithlinneman/linnemanlabs-filestream/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string

	// basic auth for hosted pyroscope, both or neither
	BasicAuthUser     string
	BasicAuthPassword string

	UploadRate           time.Duration // default: pyroscope's 15s
	ProfileMutexFraction int
	BlockProfileRate     int
}

// profileTypes skips the block and mutex profiles unless their rates are set
func profileTypes(o Options) []pyroscope.ProfileType {
	types := []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if o.ProfileMutexFraction > 0 {
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if o.BlockProfileRate > 0 {
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return types
}

func (o Options) validate() error {
	if o.ServerAddress == "" {
		return xerrors.Newf("invalid server address (%q)", o.ServerAddress)
	}
	if (o.BasicAuthUser == "") != (o.BasicAuthPassword == "") {
		return xerrors.New("basic auth needs both user and password")
	}
	return nil
}

// Start launches the profiler. The returned stop is never nil and safe to
// call more than once, disabled or failed starts return a no-op.
func Start(ctx context.Context, opts Options) (func(), error) {
	noop := func() {}
	L := log.FromContext(ctx)
	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return noop, nil
	}
	L = L.With("server_address", opts.ServerAddress, "app_name", opts.AppName)

	if err := opts.validate(); err != nil {
		L.Error(ctx, err, "pyroscope options")
		return noop, err
	}
	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		TenantID:          opts.TenantID,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPassword,
		Tags:              opts.Tags,
		UploadRate:        opts.UploadRate,
		ProfileTypes:      profileTypes(opts),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed")
		return noop, xerrors.Wrap(err, "start pyroscope")
	}
	L.Info(ctx, "pyroscope started")

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			L.Info(context.Background(), "pyroscope stopped")
		})
	}, nil
}

// Do runs fn with pprof labels so samples taken inside it can be split by
// stream kind. Labels apply whether or not the profiler is running.
func Do(ctx context.Context, kind string, fn func(context.Context)) {
	if kind == "" {
		fn(ctx)
		return
	}
	pyroscope.TagWrapper(ctx, pyroscope.Labels("stream_kind", kind), fn)
}
