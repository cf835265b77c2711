package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/openproctor/backend/internal/config"
	"github.com/openproctor/backend/internal/result"
	"github.com/openproctor/backend/internal/server"
	"github.com/openproctor/backend/internal/sfu"
	"github.com/openproctor/backend/internal/signaling"
)

// Health check endpoint.
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

func main() {
	configPath := pflag.String("config", "", "path to YAML config (or set PROCTOR_CONFIG)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Exam results land in a JSONL file when one is configured, otherwise
	// in the structured log.
	var sink result.Sink
	if cfg.ResultLog != "" {
		fileSink, err := result.NewFileSink(cfg.ResultLog)
		if err != nil {
			logger.Error("failed to open result log", "path", cfg.ResultLog, "error", err)
			os.Exit(1)
		}
		defer fileSink.Close()
		sink = fileSink
	} else {
		sink = &result.LogSink{Logger: logger}
	}

	// The media relay fans room tracks out between peers.
	iceServers := make([]sfu.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, sfu.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	relay, err := sfu.New(sfu.Config{
		ICEServers: iceServers,
		UDPPortMin: cfg.UDPPortMin,
		UDPPortMax: cfg.UDPPortMax,
		PublicIP:   cfg.PublicIP,
	}, logger)
	if err != nil {
		logger.Error("failed to create media relay", "error", err)
		os.Exit(1)
	}

	// Wire the signaling core: registry, room store, dispatch.
	registry := signaling.NewRegistry()
	rooms := signaling.NewStore()
	handler := signaling.NewHandler(registry, rooms, relay, sink, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheckHandler)
	mux.HandleFunc("/ws", server.ServeWs(handler, cfg))

	logger.Info("starting signaling server", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
