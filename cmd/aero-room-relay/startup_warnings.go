package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Bootnode && cfg.Bootstrap == "" {
		logger.Warn("startup warning: BOOTNODE=true without a bootstrap broker has no peers to bring up to date",
			"warning_code", "bootnode_without_bootstrap",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.Bootstrap == "" && config.IsWildcardListenAddr(cfg.ListenAddr) {
		logger.Warn("startup warning: listening on every interface while standalone (rooms are not replicated to other nodes)",
			"warning_code", "standalone_public_listener",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.SignalingWSIdleTimeout > 0 && cfg.SignalingWSPingInterval >= cfg.SignalingWSIdleTimeout {
		logger.Warn("startup warning: SIGNALING_WS_PING_INTERVAL is not shorter than SIGNALING_WS_IDLE_TIMEOUT (healthy clients may be dropped as idle)",
			"warning_code", "ping_interval_exceeds_idle_timeout",
			"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
			"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RoomRetention <= 0 {
		logger.Warn("startup warning: ROOM_RETENTION=0 keeps every room document for the life of the process",
			"warning_code", "room_retention_disabled_in_prod",
			"room_retention", cfg.RoomRetention,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
