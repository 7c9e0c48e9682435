package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Admin API auth
	AdminJWTSecret   string
	AdminJWTIssuer   string
	AdminJWTAudience string

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers              []string
	KafkaGroupID              string
	PatientDeletedTopic       string
	MatchNotificationTopic    string
	MatchNotificationDLQTopic string

	// Matching
	MatchingMinScore    float64
	MatchingInterval    time.Duration
	MatchingConsentID   string
	MatchingOnlyUpdated bool

	// Similarity
	SimilaritySettingsPath string
	SimilarityScorer       string
	SimilarityTopN         int

	// Notifier
	NotifierMode         string
	NotifierWebhookURL   string
	NotifierTokenURL     string
	NotifierClientID     string
	NotifierClientSecret string
	NotifierTimeout      time.Duration
	NotifierRetries      int
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		AdminJWTSecret:   getEnv("ADMIN_JWT_SECRET", ""),
		AdminJWTIssuer:   getEnv("ADMIN_JWT_ISSUER", "synaptica-platform"),
		AdminJWTAudience: getEnv("ADMIN_JWT_AUDIENCE", "patient-matching"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "synaptica"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "synaptica123"),
		PostgresDB:       getEnv("POSTGRES_DB", "synaptica"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:              getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:              getEnv("KAFKA_GROUP_ID", "patient-matching"),
		PatientDeletedTopic:       getEnv("PATIENT_DELETED_TOPIC", "patient.deleted"),
		MatchNotificationTopic:    getEnv("MATCH_NOTIFICATION_TOPIC", "match.notification"),
		MatchNotificationDLQTopic: getEnv("MATCH_NOTIFICATION_DLQ_TOPIC", ""),

		MatchingMinScore:    getFloatEnv("MATCHING_MIN_SCORE", 0.5),
		MatchingInterval:    getDuration("MATCHING_INTERVAL", 0),
		MatchingConsentID:   getEnv("MATCHING_CONSENT_ID", "matching"),
		MatchingOnlyUpdated: getBoolEnv("MATCHING_ONLY_UPDATED", false),

		SimilaritySettingsPath: getEnv("SIMILARITY_SETTINGS_PATH", ""),
		SimilarityScorer:       getEnv("SIMILARITY_SCORER", ""),
		SimilarityTopN:         getIntEnv("SIMILARITY_TOP_N", 0),

		NotifierMode:         getEnv("NOTIFIER_MODE", "log"),
		NotifierWebhookURL:   getEnv("NOTIFIER_WEBHOOK_URL", ""),
		NotifierTokenURL:     getEnv("NOTIFIER_TOKEN_URL", ""),
		NotifierClientID:     getEnv("NOTIFIER_CLIENT_ID", ""),
		NotifierClientSecret: getEnv("NOTIFIER_CLIENT_SECRET", ""),
		NotifierTimeout:      getDuration("NOTIFIER_TIMEOUT", 10*time.Second),
		NotifierRetries:      getIntEnv("NOTIFIER_RETRIES", 3),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
