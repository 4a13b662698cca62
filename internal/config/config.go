package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/origin"
)

const (
	envVarListenAddr      = "AERO_ROOM_RELAY_LISTEN_ADDR"
	envVarPort            = "AERO_ROOM_RELAY_PORT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_ROOM_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_ROOM_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_ROOM_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_ROOM_RELAY_MODE"

	// Overlay membership and replication.
	envVarBootstrap        = "AERO_ROOM_RELAY_BOOTSTRAP"
	envVarBootnode         = "AERO_ROOM_RELAY_BOOTNODE"
	envVarOverlayTopic     = "AERO_ROOM_RELAY_OVERLAY_TOPIC"
	envVarPresenceInterval = "AERO_ROOM_RELAY_PRESENCE_INTERVAL"
	envVarPresenceTTL      = "AERO_ROOM_RELAY_PRESENCE_TTL"
	envVarIdentitySeed     = "AERO_ROOM_RELAY_IDENTITY_SEED"

	// Room retention.
	envVarRoomRetention    = "AERO_ROOM_RELAY_ROOM_RETENTION"
	envVarRoomReapInterval = "AERO_ROOM_RELAY_ROOM_REAP_INTERVAL"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarOutboundQueueBytes            = "OUTBOUND_QUEUE_BYTES"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultOverlayTopic     = "aero-room-relay/rooms"
	DefaultPresenceInterval = 5 * time.Second
	DefaultPresenceTTL      = 15 * time.Second

	DefaultRoomRetention    = 10 * time.Minute
	DefaultRoomReapInterval = time.Minute

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(1 << 20) // 1MiB
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultOutboundQueueBytes            = 4 << 20 // 4MiB
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

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Bootstrap is the overlay broker URL. Empty runs the node standalone on
	// an in-process overlay.
	Bootstrap        string
	Bootnode         bool
	OverlayTopic     string
	PresenceInterval time.Duration
	PresenceTTL      time.Duration
	// IdentitySeed is a hex-encoded 32-byte ed25519 seed. Empty generates a
	// fresh identity at startup.
	IdentitySeed string

	// RoomRetention bounds how long an empty room keeps its document. Zero
	// keeps documents forever.
	RoomRetention    time.Duration
	RoomReapInterval time.Duration

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	OutboundQueueBytes            int

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

// ICEConfigError reports a bad ICE server configuration. It is surfaced by
// /readyz and /ice instead of failing startup.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// OriginPolicy builds the origin allow-list from AllowedOrigins.
func (c Config) OriginPolicy() origin.Policy {
	p, _ := origin.NewPolicy(c.AllowedOrigins)
	return p
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	port, err := envIntOrDefault(lookup, envVarPort, 0)
	if err != nil {
		return Config{}, err
	}

	bootstrap := envOrDefault(lookup, envVarBootstrap, "")
	bootnode, err := envBoolOrDefault(lookup, envVarBootnode, false)
	if err != nil {
		return Config{}, err
	}
	overlayTopic := envOrDefault(lookup, envVarOverlayTopic, DefaultOverlayTopic)
	identitySeed := envOrDefault(lookup, envVarIdentitySeed, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	presenceInterval, err := envDurationOrDefault(lookup, envVarPresenceInterval, DefaultPresenceInterval)
	if err != nil {
		return Config{}, err
	}
	presenceTTL, err := envDurationOrDefault(lookup, envVarPresenceTTL, DefaultPresenceTTL)
	if err != nil {
		return Config{}, err
	}
	roomRetention, err := envDurationOrDefault(lookup, envVarRoomRetention, DefaultRoomRetention)
	if err != nil {
		return Config{}, err
	}
	roomReapInterval, err := envDurationOrDefault(lookup, envVarRoomReapInterval, DefaultRoomReapInterval)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	outboundQueueBytes, err := envIntOrDefault(lookup, envVarOutboundQueueBytes, DefaultOutboundQueueBytes)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-room-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.IntVar(&port, "port", port, "Listen port; overrides the port of --listen-addr when non-zero (env "+envVarPort+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&bootstrap, "bootstrap", bootstrap, "Overlay broker URL, e.g. redis://host:6379/0; empty runs standalone (env "+envVarBootstrap+")")
	fs.BoolVar(&bootnode, "bootnode", bootnode, "Republish retained rooms whenever a new overlay peer appears (env "+envVarBootnode+")")
	fs.StringVar(&overlayTopic, "overlay-topic", overlayTopic, "Overlay topic carrying room updates (env "+envVarOverlayTopic+")")
	fs.DurationVar(&presenceInterval, "presence-interval", presenceInterval, "Overlay presence heartbeat interval (env "+envVarPresenceInterval+")")
	fs.DurationVar(&presenceTTL, "presence-ttl", presenceTTL, "Expire overlay peers not heard from for this long (must be > --presence-interval; env "+envVarPresenceTTL+")")
	fs.StringVar(&identitySeed, "identity-seed", identitySeed, "Hex ed25519 seed for a stable node id; empty generates one (env "+envVarIdentitySeed+")")

	fs.DurationVar(&roomRetention, "room-retention", roomRetention, "Drop rooms empty for this long (0 = keep forever; env "+envVarRoomRetention+")")
	fs.DurationVar(&roomReapInterval, "room-reap-interval", roomReapInterval, "How often to look for rooms to drop (env "+envVarRoomReapInterval+")")

	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second; 0 disables (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&outboundQueueBytes, "outbound-queue-bytes", outboundQueueBytes, "Max queued outbound bytes per client before frames are dropped (env "+envVarOutboundQueueBytes+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// When only the mode is overridden on the command line, log defaults
	// follow the effective mode.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if port != 0 {
		listenAddr, err = withPort(listenAddr, port)
		if err != nil {
			return Config{}, err
		}
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid --listen-addr %q: %w", listenAddr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	bootstrap = strings.TrimSpace(bootstrap)
	if bootstrap != "" {
		if err := validateBootstrap(bootstrap); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--bootstrap %q: %w", envVarBootstrap, bootstrap, err)
		}
	}
	identitySeed = strings.TrimSpace(identitySeed)
	if identitySeed != "" {
		seed, err := hex.DecodeString(identitySeed)
		if err != nil || len(seed) != 32 {
			return Config{}, fmt.Errorf("%s/--identity-seed must be 64 hex characters", envVarIdentitySeed)
		}
	}
	if strings.TrimSpace(overlayTopic) == "" {
		return Config{}, fmt.Errorf("%s/--overlay-topic must not be empty", envVarOverlayTopic)
	}
	if presenceInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--presence-interval must be > 0", envVarPresenceInterval)
	}
	if presenceTTL <= presenceInterval {
		return Config{}, fmt.Errorf("%s/--presence-ttl (%s) must be greater than --presence-interval (%s)", envVarPresenceTTL, presenceTTL, presenceInterval)
	}
	if roomRetention < 0 {
		return Config{}, fmt.Errorf("%s/--room-retention must be >= 0", envVarRoomRetention)
	}
	if roomReapInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--room-reap-interval must be > 0", envVarRoomReapInterval)
	}
	if signalingWSIdleTimeout < 0 || signalingWSPingInterval < 0 {
		return Config{}, errors.New("signaling WebSocket idle timeout and ping interval must be >= 0")
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be >= 0", envVarMaxSignalingMessagesPerSecond)
	}
	if outboundQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--outbound-queue-bytes must be > 0", envVarOutboundQueueBytes)
	}
	if outboundQueueBytes < int(maxSignalingMessageBytes) {
		return Config{}, fmt.Errorf("--outbound-queue-bytes (%d) must be at least --max-signaling-message-bytes (%d)", outboundQueueBytes, maxSignalingMessageBytes)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		Bootstrap:        bootstrap,
		Bootnode:         bootnode,
		OverlayTopic:     strings.TrimSpace(overlayTopic),
		PresenceInterval: presenceInterval,
		PresenceTTL:      presenceTTL,
		IdentitySeed:     identitySeed,

		RoomRetention:    roomRetention,
		RoomReapInterval: roomReapInterval,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		OutboundQueueBytes:            outboundQueueBytes,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
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

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
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

// withPort replaces the port of a host:port listen address.
func withPort(listenAddr string, port int) (string, error) {
	if port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid %s/--port %d (expected 0-65535)", envVarPort, port)
	}
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", fmt.Errorf("invalid --listen-addr %q: %w", listenAddr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	parts := splitCommaSeparated(raw)
	if len(parts) == 0 {
		return nil, nil
	}
	p, invalid := origin.NewPolicy(parts)
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid %s/--allowed-origins entries: %s", envVarAllowedOrigins, strings.Join(invalid, ", "))
	}
	if p.AllowsAny() {
		return []string{"*"}, nil
	}
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized, _, _ := origin.NormalizeHeader(part)
		out = append(out, normalized)
	}
	return out, nil
}

func validateBootstrap(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "redis", "rediss":
	default:
		return fmt.Errorf("unsupported scheme %q (expected redis or rediss)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// IsWildcardListenAddr reports whether addr binds every interface.
func IsWildcardListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
