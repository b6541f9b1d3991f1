package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/joho/godotenv"
)

type Config struct {
	// Database
	StoreBackend string
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string

	// Server
	Port              string
	AdminToken        string
	JWTSecret         string
	HTTPRatePerMinute int
	HTTPRateBurst     int

	// RabbitMQ
	AMQPHost          string
	AMQPPort          string
	AMQPUser          string
	AMQPPassword      string
	Exchange          string
	ReportRoutingKey  string
	AggregationQueue  string
	AggregationWorker int

	// Ingestion gate
	IPHashSalt              string
	RateLimitMaxPerHour     int
	DuplicateWindow         time.Duration
	DuplicateDistanceMeters float64
	DuplicateSimilarity     float64

	// Engines
	ConfidenceWindow            time.Duration
	ClusterProximityMeters      float64
	ClusterTimeWindow           time.Duration
	ClusterMinReports           int
	ClusterLookback             time.Duration
	EscalationPriorityThreshold int
	EscalationLocalityThreshold int
	EscalationVerifiedAge       time.Duration
	ScoringWeightsFile          string

	// Geocoding
	GeocodingProviders []string
	GeocodingTimeout   time.Duration
	NominatimURL       string
	NominatimUserAgent string
	GoogleMapsAPIKey   string

	// LLM summarization
	LLMProviders []string
	OpenAIAPIKey string
	OpenAIModel  string
	LLMTimeout   time.Duration

	LogLevel string
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Info("Loaded environment from .env")
	}

	config := &Config{
		StoreBackend: getEnv("STORE_BACKEND", "mysql"),
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnv("DB_PORT", "3306"),
		DBUser:       getEnv("DB_USER", "server"),
		DBPassword:   getEnv("DB_PASSWORD", "secret"),
		DBName:       getEnv("DB_NAME", "signals"),

		Port:       getEnv("PORT", "8080"),
		AdminToken: getEnv("ADMIN_TOKEN", ""),
		JWTSecret:  getEnv("JWT_SECRET", ""),

		HTTPRatePerMinute: getIntEnv("HTTP_RATE_PER_MINUTE", 60),
		HTTPRateBurst:     getIntEnv("HTTP_RATE_BURST", 10),

		AMQPHost:          getEnv("AMQP_HOST", ""),
		AMQPPort:          getEnv("AMQP_PORT", "5672"),
		AMQPUser:          getEnv("AMQP_USER", "guest"),
		AMQPPassword:      getEnv("AMQP_PASSWORD", "guest"),
		Exchange:          getEnv("RABBITMQ_EXCHANGE", "signals"),
		ReportRoutingKey:  getEnv("RABBITMQ_REPORT_ROUTING_KEY", "report.created"),
		AggregationQueue:  getEnv("RABBITMQ_QUEUE", "report-aggregation"),
		AggregationWorker: getIntEnv("RABBITMQ_WORKERS", 1),

		IPHashSalt:              getEnv("IP_HASH_SALT", "change-me"),
		RateLimitMaxPerHour:     getIntEnv("RATE_LIMIT_MAX_PER_HOUR", 5),
		DuplicateWindow:         getDurationEnv("DUPLICATE_WINDOW", 15*time.Minute),
		DuplicateDistanceMeters: getFloatEnv("DUPLICATE_DISTANCE_METERS", 50),
		DuplicateSimilarity:     getFloatEnv("DUPLICATE_SIMILARITY", 0.7),

		ConfidenceWindow:            getDurationEnv("CONFIDENCE_WINDOW", 30*time.Minute),
		ClusterProximityMeters:      getFloatEnv("CLUSTER_PROXIMITY_METERS", 500),
		ClusterTimeWindow:           getDurationEnv("CLUSTER_TIME_WINDOW", 2*time.Hour),
		ClusterMinReports:           getIntEnv("CLUSTER_MIN_REPORTS", 5),
		ClusterLookback:             getDurationEnv("CLUSTER_LOOKBACK", 24*time.Hour),
		EscalationPriorityThreshold: getIntEnv("ESCALATION_PRIORITY_THRESHOLD", 70),
		EscalationLocalityThreshold: getIntEnv("ESCALATION_LOCALITY_THRESHOLD", 5),
		EscalationVerifiedAge:       getDurationEnv("ESCALATION_VERIFIED_AGE", 48*time.Hour),
		ScoringWeightsFile:          getEnv("SCORING_WEIGHTS_FILE", ""),

		GeocodingProviders: getListEnv("GEOCODING_PROVIDERS", []string{"nominatim", "google"}),
		GeocodingTimeout:   getDurationEnv("GEOCODING_TIMEOUT", 3*time.Second),
		NominatimURL:       getEnv("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),
		NominatimUserAgent: getEnv("NOMINATIM_USER_AGENT", "report-signal-service/1.0"),
		GoogleMapsAPIKey:   getEnv("GOOGLE_MAPS_API_KEY", ""),

		LLMProviders: getListEnv("LLM_PROVIDERS", []string{"openai", "stub"}),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		LLMTimeout:   getDurationEnv("LLM_TIMEOUT", 8*time.Second),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// AMQPURL returns an empty string when no broker is configured
func (c *Config) AMQPURL() string {
	if c.AMQPHost == "" {
		return ""
	}
	return "amqp://" + c.AMQPUser + ":" + c.AMQPPassword + "@" + c.AMQPHost + ":" + c.AMQPPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		log.Warnf("Invalid duration for %s=%q, using %s", key, value, defaultValue)
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warnf("Invalid integer for %s=%q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Warnf("Invalid float for %s=%q, using %v", key, value, defaultValue)
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
