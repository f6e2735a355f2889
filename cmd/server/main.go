package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/linnemanlabs-filestream/internal/cfg"
	v "github.com/keithlinneman/linnemanlabs-filestream/internal/version"
)

func main() {
	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	showVersion := flag.Bool("V", false, "Print version+build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(v.Get())
		return
	}

	// FILESTREAM_* env fills whatever was not passed on the command line
	cfg.FillFromEnv(flag.CommandLine, "FILESTREAM_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf); err != nil {
		// run has already logged the details
		stop()
		os.Exit(1)
	}
}
