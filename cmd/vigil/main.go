package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vigil/internal/api"
	"vigil/internal/auth"
	"vigil/internal/config"
	"vigil/internal/detection"
	"vigil/internal/pipeline"
	"vigil/internal/service"
	"vigil/internal/store"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 correlation
// invariant violation, 4 dependency initialization failure.
const (
	exitOK        = 0
	exitConfig    = 2
	exitInvariant = 3
	exitInit      = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the JSON config file")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("[Main] %v", err)
		return exitConfig
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Printf("[Main] Store init failed: %v", err)
		return exitInit
	}
	defer st.Close()

	detector, err := buildDetector(cfg)
	if err != nil {
		log.Printf("[Main] Detector init failed: %v", err)
		return exitInit
	}

	svc, err := service.New(cfg, detector, st)
	if err != nil {
		log.Printf("[Main] %v", err)
		return exitConfig
	}
	if err := svc.Start(); err != nil {
		log.Printf("[Main] Startup failed: %v", err)
		svc.Shutdown()
		return exitInit
	}

	authMgr := auth.NewManager(cfg.Server.AuthSecret, cfg.AuthExpiry())
	srv := api.NewServer(cfg.Server.Addr, svc, st, authMgr, cfg.Server.AuthSecret)

	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigc:
		log.Printf("[Main] Received %s, shutting down", sig)
	case err := <-errc:
		log.Printf("[Main] Server failed: %v", err)
		code = exitInit
	case err := <-svc.Fatal():
		// A violated engine invariant means correlation state can no longer
		// be trusted; the process must not keep running on it.
		log.Printf("[Main] %v", err)
		code = exitInvariant
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Main] Server shutdown: %v", err)
	}
	svc.Shutdown()
	return code
}

func buildDetector(cfg *config.Config) (pipeline.Detector, error) {
	if cfg.Detector.Backend == "stub" {
		log.Printf("[Main] Using stub detector")
		return detection.NewStubDetector(cfg.DetectionPolicy()), nil
	}
	return detection.NewHTTPDetector(detection.HTTPConfig{
		Endpoint: cfg.Detector.Endpoint,
		Timeout:  cfg.DetectorTimeout(),
		Policy:   cfg.DetectionPolicy(),
	})
}
