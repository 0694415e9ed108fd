package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration loaded once at startup (§9
// "Shared mutable config": nothing here changes once a call starts).
type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RedisURL string

	MongoURI       string
	DBName         string
	ArchiveEnabled bool

	BusinessAPIBaseURL string

	OpenAIAPIKey       string
	RealtimeEndpoint   string
	RealtimeVoice      string
	VADThreshold       float64
	VADSilenceMs       int
	VADPrefixPaddingMs int

	RestaurantID     string
	TrunkCountryCode string

	MaxCallDurationSec int
	HangupDelayMs      int

	SIPEnabled          bool
	SIPListenAddr       string
	SIPDomain           string
	SIPUsername         string
	SIPPassword         string
	SIPRegisterInterval int
	STUNServer          string
	TURNServer          string
	TURNUsername        string
	TURNPassword        string
	RTPPortRangeMin     int
	RTPPortRangeMax     int

	IncomingCallbackURL string
	PublicWSTarget      string

	MaxConcurrentCalls int
	APIRateLimitRPM    int

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool
}

// Load reads envFile (if present) via godotenv, then layers process
// environment variables on top, matching the teacher's layering order.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	if os.Getenv("OPENAI_API_KEY") == "" || os.Getenv("RESTAURANT_ID") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY and RESTAURANT_ID must both be set")
	}

	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		AppPort: getEnv("PORT", "8080"),
		TZ:     getEnv("TZ", "Europe/Paris"),

		JWTSecret:   mustGetEnv("JWT_SECRET"),
		JWTIssuer:   getEnv("JWT_ISSUER", "voicebridge"),
		JWTAudience: getEnv("JWT_AUDIENCE", "voicebridge-control-plane"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MongoURI:       getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:         getEnv("DB_NAME", "voicebridge"),
		ArchiveEnabled: getEnvBool("ARCHIVE_ENABLED", false),

		BusinessAPIBaseURL: getEnv("NEXT_API_URL", "http://localhost:3000"),

		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		RealtimeEndpoint:   getEnv("REALTIME_ENDPOINT", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		RealtimeVoice:      getEnv("REALTIME_VOICE", "alloy"),
		VADThreshold:       getEnvFloat("VAD_THRESHOLD", 0.5),
		VADSilenceMs:       getEnvInt("VAD_SILENCE_MS", 500),
		VADPrefixPaddingMs: getEnvInt("VAD_PREFIX_PADDING_MS", 300),

		RestaurantID:     getEnv("RESTAURANT_ID", ""),
		TrunkCountryCode: getEnv("TRUNK_COUNTRY_CODE", "33"),

		MaxCallDurationSec: getEnvInt("MAX_CALL_DURATION", 600),
		HangupDelayMs:      getEnvInt("HANGUP_DELAY_MS", 300),

		SIPEnabled:          getEnvBool("SIP_ENABLED", false),
		SIPListenAddr:       getEnv("SIP_LISTEN_ADDR", "0.0.0.0:5060"),
		SIPDomain:           getEnv("SIP_DOMAIN", ""),
		SIPUsername:         getEnv("SIP_USERNAME", ""),
		SIPPassword:         getEnv("SIP_PASSWORD", ""),
		SIPRegisterInterval: getEnvInt("SIP_REGISTER_INTERVAL_SEC", 300),
		STUNServer:          getEnv("STUN_SERVER", "stun:stun.l.google.com:19302"),
		TURNServer:          getEnv("TURN_SERVER", ""),
		TURNUsername:        getEnv("TURN_USERNAME", ""),
		TURNPassword:        getEnv("TURN_PASSWORD", ""),
		RTPPortRangeMin:     getEnvInt("RTP_PORT_RANGE_MIN", 10000),
		RTPPortRangeMax:     getEnvInt("RTP_PORT_RANGE_MAX", 20000),

		IncomingCallbackURL: getEnv("INCOMING_CALLBACK_URL", ""),
		PublicWSTarget:      getEnv("WS_TARGET", ""),

		MaxConcurrentCalls: getEnvInt("MAX_CONCURRENT_CALLS", 60),
		APIRateLimitRPM:    getEnvInt("API_RATE_LIMIT_RPM", 180),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", cfg.TZ, err)
	}
	time.Local = loc

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strValue, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
