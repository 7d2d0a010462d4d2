package main

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/turnrest"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; paired devices receive no ICE servers",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && containsString(cfg.AllowedOrigins, origin.Any) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' while --mode=prod (any website can open pairing sockets)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxDevices <= 0 {
		logger.Warn("startup security warning: PAIRING_RELAY_MAX_DEVICES is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_devices_unlimited_in_prod",
			"max_devices", cfg.MaxDevices,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: per-connection rate limiting is disabled",
			"warning_code", "rate_limit_disabled",
			"max_messages_per_second", cfg.MaxMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: PAIRING_RELAY_MAX_MESSAGE_BYTES is very large (pairing envelopes are small; increases per-message allocation risk)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.WSIdleTimeout > 10*time.Minute {
		logger.Warn("startup warning: PAIRING_RELAY_WS_IDLE_TIMEOUT is very large (dead sockets linger in the device list)",
			"warning_code", "ws_idle_timeout_large",
			"ws_idle_timeout", cfg.WSIdleTimeout,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && !hasTURNServer(cfg) {
		logger.Warn("startup warning: TURN REST is enabled but no TURN URLs are configured",
			"warning_code", "turn_rest_without_turn_urls",
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	for _, s := range cfg.ICEServers {
		if turnrest.HasTURNURL(s) {
			return true
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

// wsURL derives the advertised WebSocket endpoint from the public base URL.
func wsURL(publicBaseURL string) string {
	u, err := url.Parse(strings.TrimSpace(publicBaseURL))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
