package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"driftspace/server/internal/config"
	"driftspace/server/internal/net/ws"
	"driftspace/server/internal/recorder"
	"driftspace/server/internal/relay"
	"driftspace/server/logging"
	"driftspace/server/logging/sinks"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	router, jsonFile, err := buildLogging(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		router.Close(ctx)
		if jsonFile != nil {
			jsonFile.Close()
		}
	}()

	var rec relay.Recorder
	if cfg.RecorderPath != "" {
		r, err := recorder.Open(cfg.RecorderPath)
		if err != nil {
			log.Fatalf("recorder: %v", err)
		}
		rec = r
	}

	hub := relay.NewHub(cfg, router, rec)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.RunSimulation(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/join", func(w http.ResponseWriter, req *http.Request) {
		payload, err := hub.JoinJSON()
		if err != nil {
			http.Error(w, "join failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}).Methods(http.MethodPost)
	r.Handle("/ws", ws.NewHandler(hub, router))
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/diagnostics", func(w http.ResponseWriter, _ *http.Request) {
		payload, err := hub.DiagnosticsJSON()
		if err != nil {
			http.Error(w, "diagnostics failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("listening on %s (tick rate %d/s)", cfg.ListenAddr, cfg.TickRate)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
}

func buildLogging(cfg config.Config) (*logging.Router, *os.File, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Console.Pretty = cfg.LogPretty

	named := []logging.NamedSink{
		{Name: "console", Sink: sinks.NewConsole(os.Stdout, logCfg.Console)},
	}

	var jsonFile *os.File
	if cfg.LogJSONPath != "" {
		f, err := os.OpenFile(cfg.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		jsonFile = f
		named = append(named, logging.NamedSink{Name: "json", Sink: sinks.NewJSON(f, logCfg.JSON.FlushInterval)})
		logCfg.EnabledSinks = append(logCfg.EnabledSinks, "json")
	}

	router, err := logging.NewRouter(nil, logCfg, named)
	if err != nil {
		if jsonFile != nil {
			jsonFile.Close()
		}
		return nil, nil, err
	}
	return router, jsonFile, nil
}
