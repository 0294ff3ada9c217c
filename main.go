package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/konnektr-io/pg-age-digitaltwins-sub002/internal/source/server"
)

func main() {
	cfg := &server.Config{}
	cfg.Bind(pflag.CommandLine)
	logFormat := pflag.String("logFormat", "text", "the log format to use: text or json")
	logLevel := pflag.String("logLevel", "info", "the log level to use")
	pflag.Parse()

	switch *logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Fatalf("unknown log format %q", *logFormat)
	}
	if level, err := log.ParseLevel(*logLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.WithError(err).Fatal("invalid log level")
	}

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := server.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("could not start")
	}
	if err := s.Run(ctx); err != nil {
		log.WithError(err).Fatal("unexpected exit")
	}
	log.Info("shutdown complete")
}
