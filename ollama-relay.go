package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mostlygeek/ollama-relay/proxy"
	"github.com/rs/zerolog/log"
)

var version string = "0.1.0"
var commit string = "abcd1234"
var date = "unknown"

func main() {
	envPath := flag.String("env", ".env", "path to an optional .env file")
	listenStr := flag.String("listen", "", "listen ip/port, overrides PROXY_PORT")
	showVersion := flag.Bool("version", false, "show version of build")

	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s (%s), built at %s\n", version, commit, date)
		os.Exit(0)
	}

	config, err := proxy.LoadConfig(*envPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	proxy.SetupLogging(config.LogLevel)
	proxy.RelayVersion = version

	shutdownTracing, err := proxy.SetupTracing(context.Background(), "ollama-relay", version)
	if err != nil {
		log.Fatal().Err(err).Msg("could not set up tracing")
	}

	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	proxyManager, err := proxy.New(config)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create proxy")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down ollama-relay")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := proxyManager.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
	}()

	addr := *listenStr
	if addr == "" {
		addr = fmt.Sprintf(":%d", config.Port)
	}

	log.Info().Str("addr", addr).Fields(config.Sanitized()).Msg("ollama-relay listening")
	if err := proxyManager.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Error().Err(err).Msg("could not flush traces")
	}
}
