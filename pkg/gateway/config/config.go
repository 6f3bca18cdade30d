package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Anthropic completion backend.
	AnthropicAPIKey  string
	AnthropicModel   string
	AnthropicBaseURL string

	// Cartesia speech synthesis backend.
	CartesiaAPIKey  string
	CartesiaBaseURL string
	CartesiaVoice   string

	// Deepgram transcription backend. Empty key selects the stub
	// transcriber.
	DeepgramAPIKey  string
	DeepgramBaseURL string
	DeepgramModel   string

	// Optional Redis mirror for live session state (empty addr disables).
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	MirrorTTL     time.Duration

	// CORS / websocket origin allowlist (empty => same-origin only).
	AllowedOrigins map[string]struct{}

	// Live session limits.
	MaxSessions          int
	MaxSessionsPerUser   int
	DialRPS              float64
	DialBurst            int
	MaxJSONMessageBytes  int64
	MaxAudioChunkBytes   int
	MaxSessionDuration   time.Duration
	TurnTimeout          time.Duration
	HandshakeTimeout     time.Duration
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	WSReadTimeout        time.Duration
	TTSChunkBytes        int
	AudioAckEveryN       int64
	MinAudioCompleteness float64
	OutboundQueueSize    int

	// Agent persona and audio profile.
	SystemPrompt   string
	Greeting       string
	Language       string
	Voice          string
	AudioFormat    string
	SampleRate     int
	MaxReplyTokens int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("SANDRA_ADDR", ":8080"),
		AnthropicAPIKey:      envOr("SANDRA_ANTHROPIC_API_KEY", ""),
		AnthropicModel:       envOr("SANDRA_ANTHROPIC_MODEL", ""),
		AnthropicBaseURL:     envOr("SANDRA_ANTHROPIC_BASE_URL", ""),
		CartesiaAPIKey:       envOr("SANDRA_CARTESIA_API_KEY", ""),
		CartesiaBaseURL:      envOr("SANDRA_CARTESIA_BASE_URL", ""),
		CartesiaVoice:        envOr("SANDRA_CARTESIA_VOICE", ""),
		DeepgramAPIKey:       envOr("SANDRA_DEEPGRAM_API_KEY", ""),
		DeepgramBaseURL:      envOr("SANDRA_DEEPGRAM_BASE_URL", ""),
		DeepgramModel:        envOr("SANDRA_DEEPGRAM_MODEL", "nova-2"),
		RedisAddr:            envOr("SANDRA_REDIS_ADDR", ""),
		RedisPassword:        envOr("SANDRA_REDIS_PASSWORD", ""),
		RedisDB:              envIntOr("SANDRA_REDIS_DB", 0),
		MirrorTTL:            envDurationOr("SANDRA_MIRROR_TTL", time.Hour),
		AllowedOrigins:       make(map[string]struct{}),
		MaxSessions:          envIntOr("SANDRA_MAX_SESSIONS", 10000),
		MaxSessionsPerUser:   envIntOr("SANDRA_MAX_SESSIONS_PER_USER", 8),
		DialRPS:              envFloat64Or("SANDRA_DIAL_RPS", 2),
		DialBurst:            envIntOr("SANDRA_DIAL_BURST", 10),
		MaxJSONMessageBytes:  envInt64Or("SANDRA_MAX_JSON_MESSAGE_BYTES", 256<<10),
		MaxAudioChunkBytes:   envIntOr("SANDRA_MAX_AUDIO_CHUNK_BYTES", 64<<10),
		MaxSessionDuration:   envDurationOr("SANDRA_MAX_SESSION_DURATION", 30*time.Minute),
		TurnTimeout:          envDurationOr("SANDRA_TURN_TIMEOUT", 30*time.Second),
		HandshakeTimeout:     envDurationOr("SANDRA_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSPingInterval:       envDurationOr("SANDRA_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("SANDRA_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:        envDurationOr("SANDRA_WS_READ_TIMEOUT", 60*time.Second),
		TTSChunkBytes:        envIntOr("SANDRA_TTS_CHUNK_BYTES", 4096),
		AudioAckEveryN:       envInt64Or("SANDRA_AUDIO_ACK_EVERY_N", 10),
		MinAudioCompleteness: envFloat64Or("SANDRA_MIN_AUDIO_COMPLETENESS", 0),
		OutboundQueueSize:    envIntOr("SANDRA_OUTBOUND_QUEUE_SIZE", 256),
		SystemPrompt:         envOr("SANDRA_SYSTEM_PROMPT", ""),
		Greeting:             envOr("SANDRA_GREETING", ""),
		Language:             envOr("SANDRA_LANGUAGE", "es"),
		Voice:                envOr("SANDRA_VOICE", ""),
		AudioFormat:          envOr("SANDRA_AUDIO_FORMAT", "mp3"),
		SampleRate:           envIntOr("SANDRA_SAMPLE_RATE", 44100),
		MaxReplyTokens:       envIntOr("SANDRA_MAX_REPLY_TOKENS", 1024),
		ReadHeaderTimeout:    envDurationOr("SANDRA_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("SANDRA_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("SANDRA_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	// SANDRA_VOICE wins; the provider-specific voice id is the fallback.
	if cfg.Voice == "" {
		cfg.Voice = cfg.CartesiaVoice
	}

	if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
		return Config{}, fmt.Errorf("SANDRA_ANTHROPIC_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.CartesiaAPIKey) == "" {
		return Config{}, fmt.Errorf("SANDRA_CARTESIA_API_KEY must be set")
	}
	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("SANDRA_MAX_SESSIONS must be > 0")
	}
	if cfg.MaxSessionsPerUser < 0 {
		return Config{}, fmt.Errorf("SANDRA_MAX_SESSIONS_PER_USER must be >= 0")
	}
	if cfg.DialRPS < 0 {
		return Config{}, fmt.Errorf("SANDRA_DIAL_RPS must be >= 0")
	}
	if cfg.DialBurst < 0 {
		return Config{}, fmt.Errorf("SANDRA_DIAL_BURST must be >= 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("SANDRA_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioChunkBytes <= 0 {
		return Config{}, fmt.Errorf("SANDRA_MAX_AUDIO_CHUNK_BYTES must be > 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("SANDRA_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("SANDRA_TURN_TIMEOUT must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("SANDRA_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("SANDRA_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("SANDRA_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout <= 0 {
		return Config{}, fmt.Errorf("SANDRA_WS_READ_TIMEOUT must be > 0")
	}
	if cfg.TTSChunkBytes <= 0 {
		return Config{}, fmt.Errorf("SANDRA_TTS_CHUNK_BYTES must be > 0")
	}
	if cfg.AudioAckEveryN < 0 {
		return Config{}, fmt.Errorf("SANDRA_AUDIO_ACK_EVERY_N must be >= 0")
	}
	if cfg.MinAudioCompleteness < 0 || cfg.MinAudioCompleteness > 1 {
		return Config{}, fmt.Errorf("SANDRA_MIN_AUDIO_COMPLETENESS must be within [0,1]")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("SANDRA_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	switch cfg.AudioFormat {
	case "wav", "mp3", "pcm", "raw":
	default:
		return Config{}, fmt.Errorf("SANDRA_AUDIO_FORMAT must be one of wav|mp3|pcm|raw")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("SANDRA_SAMPLE_RATE must be > 0")
	}
	if cfg.MaxReplyTokens <= 0 {
		return Config{}, fmt.Errorf("SANDRA_MAX_REPLY_TOKENS must be > 0")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("SANDRA_REDIS_DB must be >= 0")
	}
	if cfg.MirrorTTL <= 0 {
		return Config{}, fmt.Errorf("SANDRA_MIRROR_TTL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("SANDRA_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("SANDRA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
