package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/device-pairing-relay/internal/origin"
)

const (
	envVarPort            = "PORT"
	envVarListenAddr      = "PAIRING_RELAY_LISTEN_ADDR"
	envVarRenderURL       = "RENDER_EXTERNAL_URL"
	envVarPublicBaseURL   = "PAIRING_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "PAIRING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "PAIRING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "PAIRING_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "PAIRING_RELAY_MODE"
	envVarConfigFile      = "PAIRING_RELAY_CONFIG_FILE"

	// Transport hardening.
	envVarWSIdleTimeout        = "PAIRING_RELAY_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "PAIRING_RELAY_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "PAIRING_RELAY_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "PAIRING_RELAY_MAX_MESSAGES_PER_SECOND"
	envVarSendQueueBytes       = "PAIRING_RELAY_SEND_QUEUE_BYTES"

	// Pairing state bounds.
	envVarHistoryLimit = "PAIRING_RELAY_HISTORY_LIMIT"
	envVarOfflineLimit = "PAIRING_RELAY_OFFLINE_LIMIT"
	envVarMaxDevices   = "PAIRING_RELAY_MAX_DEVICES"

	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultPort            = 8080
	DefaultMode            = ModeDev
	DefaultShutdown        = 15 * time.Second
	DefaultAllowedOrigins  = origin.Any
	DefaultWSIdleTimeout   = 60 * time.Second
	DefaultWSPingInterval  = 20 * time.Second
	DefaultMaxMessageBytes = 64 * 1024

	DefaultMaxMessagesPerSecond = 50
	DefaultSendQueueBytes       = 1 << 20

	DefaultHistoryLimit = 10
	DefaultOfflineLimit = 1024

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "pairing"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ConfigFile is the YAML file the values were layered on, if any.
	ConfigFile string

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int

	HistoryLimit int
	OfflineLimit int
	// MaxDevices caps concurrently connected devices. 0 means unlimited.
	MaxDevices int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is kept out
// of Load's error so the relay can still serve pairing without ICE hints.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load layers configuration: built-in defaults, then the optional YAML file,
// then environment variables, then flags.
func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = envOrDefault(envLookup, envVarConfigFile, "")
	}
	lookup := envLookup
	if configFile != "" {
		fileValues, err := readFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, fileValues)
	}

	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	listenAddr := envOrDefault(lookup, envVarListenAddr, ":"+strconv.Itoa(port))
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, envOrDefault(lookup, envVarRenderURL, ""))
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, DefaultAllowedOrigins)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := int64(DefaultMaxMessageBytes)
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	historyLimit, err := envIntOrDefault(lookup, envVarHistoryLimit, DefaultHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	offlineLimit, err := envIntOrDefault(lookup, envVarOfflineLimit, DefaultOfflineLimit)
	if err != nil {
		return Config{}, err
	}
	maxDevices, err := envIntOrDefault(lookup, envVarMaxDevices, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("device-pairing-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port); defaults to :$PORT")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close sockets idle for this long (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Keepalive ping interval (env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Per-connection inbound message rate; 0 disables (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Per-connection outbound queue budget (env "+envVarSendQueueBytes+")")

	fs.IntVar(&historyLimit, "history-limit", historyLimit, "Entries returned by get_connection_history (env "+envVarHistoryLimit+")")
	fs.IntVar(&offlineLimit, "offline-limit", offlineLimit, "Departed-device snapshots kept (env "+envVarOfflineLimit+")")
	fs.IntVar(&maxDevices, "max-devices", maxDevices, "Max concurrently connected devices; 0 means unlimited (env "+envVarMaxDevices+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential lifetime (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if publicBaseURL == "" {
		publicBaseURL = "http://localhost" + portSuffix(listenAddr)
	}

	switch {
	case shutdownTimeout <= 0:
		return Config{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	case wsIdleTimeout <= 0:
		return Config{}, fmt.Errorf("%s must be > 0 (got %s)", envVarWSIdleTimeout, wsIdleTimeout)
	case wsPingInterval <= 0:
		return Config{}, fmt.Errorf("%s must be > 0 (got %s)", envVarWSPingInterval, wsPingInterval)
	case wsPingInterval >= wsIdleTimeout:
		return Config{}, fmt.Errorf("%s (%s) must be shorter than %s (%s)", envVarWSPingInterval, wsPingInterval, envVarWSIdleTimeout, wsIdleTimeout)
	case maxMessageBytes <= 0:
		return Config{}, fmt.Errorf("%s must be > 0 (got %d)", envVarMaxMessageBytes, maxMessageBytes)
	case maxMessagesPerSecond < 0:
		return Config{}, fmt.Errorf("%s must be >= 0 (got %d)", envVarMaxMessagesPerSecond, maxMessagesPerSecond)
	case sendQueueBytes <= 0:
		return Config{}, fmt.Errorf("%s must be > 0 (got %d)", envVarSendQueueBytes, sendQueueBytes)
	case historyLimit <= 0:
		return Config{}, fmt.Errorf("%s must be > 0 (got %d)", envVarHistoryLimit, historyLimit)
	case offlineLimit <= 0:
		return Config{}, fmt.Errorf("%s must be > 0 (got %d)", envVarOfflineLimit, offlineLimit)
	case maxDevices < 0:
		return Config{}, fmt.Errorf("%s must be >= 0 (got %d)", envVarMaxDevices, maxDevices)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		ConfigFile:      configFile,

		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		SendQueueBytes:       sendQueueBytes,

		HistoryLimit: historyLimit,
		OfflineLimit: offlineLimit,
		MaxDevices:   maxDevices,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	if cfg.TURNREST.Enabled() {
		if cfg.TURNREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 (got %d)", envVarTURNRESTTTLSeconds, cfg.TURNREST.TTLSeconds)
		}
		if strings.TrimSpace(cfg.TURNREST.UsernamePrefix) == "" || strings.Contains(cfg.TURNREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("invalid %s %q (must be non-empty and contain no ':')", envVarTURNRESTUsernamePrefix, cfg.TURNREST.UsernamePrefix)
		}
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

// configFileFromArgs finds --config before the full flag set is parsed, so
// the file can seed the other flags' defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func layered(primary func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && v != "" {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

func portSuffix(listenAddr string) string {
	i := strings.LastIndexByte(listenAddr, ':')
	if i < 0 {
		return ""
	}
	return listenAddr[i:]
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseAllowedOrigins splits a comma-separated list. "*" stands alone; every
// other entry must be a bare http(s) origin and is normalized.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == origin.Any {
			out = append(out, part)
			continue
		}
		normalized, _, ok := origin.Normalize(part)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q", part)
		}
		out = append(out, normalized)
	}
	return out, nil
}
