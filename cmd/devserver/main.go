package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatlink/internal/config"
	"chatlink/internal/devserver"
)

func main() {
	dbPath := flag.String("db", "", "override the sqlite database path")
	flag.Parse()

	cfg := config.LoadServer()
	setupLogger(cfg.LogLevel)

	path := cfg.CleanDatabasePath()
	if *dbPath != "" {
		path = *dbPath
	}

	store, err := devserver.NewStore(path)
	if err != nil {
		log.Fatal().Err(err).Msg("opening store")
	}
	defer store.Close()
	log.Info().Str("db", path).Msg("database ready")

	hub := devserver.NewHub()
	go hub.Run()

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: devserver.NewServer(store, hub, cfg.JWTSecret).Handler(),
	}

	go func() {
		log.Info().Str("addr", cfg.Address).Msg("dev server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)
}
