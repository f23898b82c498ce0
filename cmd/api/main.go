package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/examportal/coderunner/internal/config"
	"github.com/examportal/coderunner/internal/logging"
	"github.com/examportal/coderunner/internal/sandbox"
	"github.com/examportal/coderunner/internal/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	bootLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	conf, err := config.LoadConfig()
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(conf.Log, os.Stderr)

	rt, err := sandbox.NewDockerRuntime(&logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker client")
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rt.Ping(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("docker daemon is not reachable")
	}
	cancelPing()

	srv, err := server.New(conf, rt, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("server crashed")
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), conf.Server.RequestTimeout+conf.Sandbox.TeardownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
