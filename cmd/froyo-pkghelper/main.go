// Package main implements froyo-pkghelper, the long-lived package query
// helper. It answers JSON-line requests on stdin and writes responses on
// stdout; logs go to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/converge/pkg/helper"
	"github.com/openfroyo/converge/pkg/runner"
)

// Version is set via ldflags during build.
var Version = "dev"

// ttl bounds the lifetime of an abandoned helper.
const ttl = 60 * time.Minute

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		// Serve is blocked reading stdin; closing it unblocks the loop.
		_ = os.Stdin.Close()
	}()

	server := helper.NewServer(runner.NewExecRunner(runner.DefaultTimeout, nil), Version)
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("helper terminated")
		os.Exit(1)
	}
}
