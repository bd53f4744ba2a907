package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/feltmark/boardcast/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty (relay and negotiation endpoints accept any browser origin)",
			"warning_code", "allowed_origins_empty",
			"mode", cfg.Mode,
		)
	} else if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !hasTURNServer(cfg) {
		logger.Warn("startup security warning: no TURN server configured while --mode=prod (peers behind symmetric NAT cannot connect)",
			"warning_code", "no_turn_server_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRelayConnsPerIP <= 0 {
		logger.Warn("startup security warning: MAX_RELAY_CONNS_PER_IP is unset/0 (unlimited) while --mode=prod",
			"warning_code", "relay_conns_unlimited_in_prod",
			"max_relay_conns_per_ip", cfg.MaxRelayConnsPerIP,
			"mode", cfg.Mode,
		)
	}

	// Warn if the relay frame cap is unusually large, since it weakens the
	// oversized-message hardening of the fan-out path.
	if cfg.MaxRelayMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_RELAY_MESSAGE_BYTES is very large (increases per-message allocation and fan-out amplification risk)",
			"warning_code", "max_relay_message_large",
			"max_relay_message_bytes", cfg.MaxRelayMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.RoomRetention > 24*time.Hour {
		logger.Warn("startup warning: ROOM_RETENTION is very large (empty rooms linger and grow process memory)",
			"warning_code", "room_retention_large",
			"room_retention", cfg.RoomRetention,
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, server := range cfg.ICEServers {
		for _, raw := range server.URLs {
			url := strings.ToLower(strings.TrimSpace(raw))
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				return true
			}
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
