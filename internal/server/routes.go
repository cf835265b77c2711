package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/openproctor/backend/internal/config"
	"github.com/openproctor/backend/internal/signaling"
)

// newUpgrader configures the websocket upgrader. With no allowed origins
// configured every origin is accepted, which is only suitable for
// development; production deployments list their frontend origins.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  64 * 1024, // 64 KB
		WriteBufferSize: 64 * 1024, // 64 KB

		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// ServeWs returns an http.HandlerFunc that upgrades websocket requests
// and hands each connection to the signaling handler.
func ServeWs(handler *signaling.Handler, cfg config.Config) http.HandlerFunc {
	upgrader := newUpgrader(cfg.AllowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			return
		}

		// The peer's identity arrives with its first message; until then
		// the client is just a pair of pumps.
		client := &signaling.Client{
			Handler:   handler,
			Conn:      conn,
			ReadLimit: cfg.WSReadLimitBytes,
			Send:      make(chan *signaling.Message, cfg.WSSendBuffer),
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
