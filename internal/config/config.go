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

	"github.com/feltmark/boardcast/internal/origin"
)

const (
	envVarListenAddr      = "BOARDCAST_LISTEN_ADDR"
	envVarPublicBaseURL   = "BOARDCAST_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarMode            = "BOARDCAST_MODE"
	envVarLogFormat       = "BOARDCAST_LOG_FORMAT"
	envVarLogLevel        = "BOARDCAST_LOG_LEVEL"
	envVarShutdownTimeout = "BOARDCAST_SHUTDOWN_TIMEOUT"

	// Relay channel hardening.
	envVarRelayWriteTimeout        = "RELAY_WRITE_TIMEOUT"
	envVarRelayIdleTimeout         = "RELAY_IDLE_TIMEOUT"
	envVarRelayPingInterval        = "RELAY_PING_INTERVAL"
	envVarMaxRelayMessageBytes     = "MAX_RELAY_MESSAGE_BYTES"
	envVarMaxRelayMessagesPerSec   = "MAX_RELAY_MESSAGES_PER_SECOND"
	envVarMaxRelayConnsPerIP       = "MAX_RELAY_CONNS_PER_IP"
	envVarRoomRetention            = "ROOM_RETENTION"
	envVarMaxNegotiationsPerSecond = "MAX_NEGOTIATIONS_PER_SECOND"

	envVarICEGatheringTimeout = "ICE_GATHERING_TIMEOUT"

	envVarWebRTCUDPPortMin = "BOARDCAST_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "BOARDCAST_WEBRTC_UDP_PORT_MAX"
)

const (
	DefaultListenAddr      = "127.0.0.1:3005"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultRelayWriteTimeout         = 1 * time.Second
	DefaultRelayIdleTimeout          = 60 * time.Second
	DefaultRelayPingInterval         = 20 * time.Second
	DefaultMaxRelayMessageBytes      = int64(64 * 1024)
	DefaultMaxRelayMessagesPerSecond = 50
	DefaultMaxNegotiationsPerSecond  = 5
	DefaultICEGatheringTimeout       = 2 * time.Second
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
	PublicBaseURL   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Relay channel hardening.
	RelayWriteTimeout        time.Duration
	RelayIdleTimeout         time.Duration
	RelayPingInterval        time.Duration
	MaxRelayMessageBytes     int64
	MaxRelayMessagesPerSec   int
	MaxRelayConnsPerIP       int
	MaxNegotiationsPerSecond int

	// RoomRetention controls how long an empty room stays in the registry
	// before it is garbage-collected. Zero retains empty rooms for the
	// process lifetime; a join always recreates a collected room.
	RoomRetention time.Duration

	// ICEGatheringTimeout bounds server-side candidate gathering during the
	// synchronous offer/answer exchange.
	ICEGatheringTimeout time.Duration

	// WebRTCUDPPortRange restricts the UDP ports pion binds for media. Nil
	// means ephemeral ports.
	WebRTCUDPPortRange *PortRange

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

type PortRange struct {
	Min uint16
	Max uint16
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
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
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	relayWriteTimeout, err := envDurationOrDefault(lookup, envVarRelayWriteTimeout, DefaultRelayWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	relayIdleTimeout, err := envDurationOrDefault(lookup, envVarRelayIdleTimeout, DefaultRelayIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	relayPingInterval, err := envDurationOrDefault(lookup, envVarRelayPingInterval, DefaultRelayPingInterval)
	if err != nil {
		return Config{}, err
	}
	roomRetention, err := envDurationOrDefault(lookup, envVarRoomRetention, 0)
	if err != nil {
		return Config{}, err
	}
	iceGatheringTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatheringTimeout)
	if err != nil {
		return Config{}, err
	}

	maxRelayMessageBytes := DefaultMaxRelayMessageBytes
	if raw, ok := lookup(envVarMaxRelayMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxRelayMessageBytes, raw, err)
		}
		maxRelayMessageBytes = n
	}

	maxRelayMessagesPerSec, err := envIntOrDefault(lookup, envVarMaxRelayMessagesPerSec, DefaultMaxRelayMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxRelayConnsPerIP, err := envIntOrDefault(lookup, envVarMaxRelayConnsPerIP, 0)
	if err != nil {
		return Config{}, err
	}
	maxNegotiationsPerSecond, err := envIntOrDefault(lookup, envVarMaxNegotiationsPerSecond, DefaultMaxNegotiationsPerSecond)
	if err != nil {
		return Config{}, err
	}

	udpPortMinRaw := envOrDefault(lookup, envVarWebRTCUDPPortMin, "")
	udpPortMaxRaw := envOrDefault(lookup, envVarWebRTCUDPPortMax, "")

	fs := flag.NewFlagSet("boardcast", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&relayWriteTimeout, "relay-write-timeout", relayWriteTimeout, "Per-recipient write deadline for relay fan-out (env "+envVarRelayWriteTimeout+")")
	fs.DurationVar(&relayIdleTimeout, "relay-idle-timeout", relayIdleTimeout, "Close idle relay connections after this duration (env "+envVarRelayIdleTimeout+")")
	fs.DurationVar(&relayPingInterval, "relay-ping-interval", relayPingInterval, "Ping interval on relay connections (must be < --relay-idle-timeout; env "+envVarRelayPingInterval+")")
	fs.Int64Var(&maxRelayMessageBytes, "max-relay-message-bytes", maxRelayMessageBytes, "Max inbound relay message size in bytes (env "+envVarMaxRelayMessageBytes+")")
	fs.IntVar(&maxRelayMessagesPerSec, "max-relay-messages-per-second", maxRelayMessagesPerSec, "Max inbound relay messages per second per connection (env "+envVarMaxRelayMessagesPerSec+")")
	fs.IntVar(&maxRelayConnsPerIP, "max-relay-conns-per-ip", maxRelayConnsPerIP, "Max concurrent relay connections per remote host; 0 means unlimited (env "+envVarMaxRelayConnsPerIP+")")
	fs.IntVar(&maxNegotiationsPerSecond, "max-negotiations-per-second", maxNegotiationsPerSecond, "Max SFU negotiation requests per second per remote host (env "+envVarMaxNegotiationsPerSecond+")")
	fs.DurationVar(&roomRetention, "room-retention", roomRetention, "How long empty rooms are retained; 0 retains forever (env "+envVarRoomRetention+")")
	fs.DurationVar(&iceGatheringTimeout, "ice-gathering-timeout", iceGatheringTimeout, "Max time to wait for server-side ICE gathering during negotiation (env "+envVarICEGatheringTimeout+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

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

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if relayWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-write-timeout must be > 0", envVarRelayWriteTimeout)
	}
	if relayIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-idle-timeout must be > 0", envVarRelayIdleTimeout)
	}
	if relayPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--relay-ping-interval must be > 0", envVarRelayPingInterval)
	}
	if relayPingInterval >= relayIdleTimeout {
		return Config{}, fmt.Errorf("%s/--relay-ping-interval must be < %s/--relay-idle-timeout", envVarRelayPingInterval, envVarRelayIdleTimeout)
	}
	if maxRelayMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-relay-message-bytes must be > 0", envVarMaxRelayMessageBytes)
	}
	if maxRelayMessagesPerSec <= 0 {
		return Config{}, fmt.Errorf("%s/--max-relay-messages-per-second must be > 0", envVarMaxRelayMessagesPerSec)
	}
	if maxRelayConnsPerIP < 0 {
		return Config{}, fmt.Errorf("%s/--max-relay-conns-per-ip must be >= 0", envVarMaxRelayConnsPerIP)
	}
	if maxNegotiationsPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-negotiations-per-second must be > 0", envVarMaxNegotiationsPerSecond)
	}
	if roomRetention < 0 {
		return Config{}, fmt.Errorf("%s/--room-retention must be >= 0", envVarRoomRetention)
	}
	if iceGatheringTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ice-gathering-timeout must be > 0", envVarICEGatheringTimeout)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	portRange, err := parseUDPPortRange(udpPortMinRaw, udpPortMaxRaw)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		RelayWriteTimeout:        relayWriteTimeout,
		RelayIdleTimeout:         relayIdleTimeout,
		RelayPingInterval:        relayPingInterval,
		MaxRelayMessageBytes:     maxRelayMessageBytes,
		MaxRelayMessagesPerSec:   maxRelayMessagesPerSec,
		MaxRelayConnsPerIP:       maxRelayConnsPerIP,
		MaxNegotiationsPerSecond: maxNegotiationsPerSecond,
		RoomRetention:            roomRetention,
		ICEGatheringTimeout:      iceGatheringTimeout,
		WebRTCUDPPortRange:       portRange,
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
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func parseUDPPortRange(minRaw, maxRaw string) (*PortRange, error) {
	minRaw = strings.TrimSpace(minRaw)
	maxRaw = strings.TrimSpace(maxRaw)
	if minRaw == "" && maxRaw == "" {
		return nil, nil
	}
	if minRaw == "" || maxRaw == "" {
		return nil, fmt.Errorf("%s and %s must both be set", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}

	minPort, err := strconv.ParseUint(minRaw, 10, 16)
	if err != nil || minPort == 0 {
		return nil, fmt.Errorf("invalid %s %q", envVarWebRTCUDPPortMin, minRaw)
	}
	maxPort, err := strconv.ParseUint(maxRaw, 10, 16)
	if err != nil || maxPort == 0 {
		return nil, fmt.Errorf("invalid %s %q", envVarWebRTCUDPPortMax, maxRaw)
	}
	if minPort > maxPort {
		return nil, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	return &PortRange{Min: uint16(minPort), Max: uint16(maxPort)}, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
