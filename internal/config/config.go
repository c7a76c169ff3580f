package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment variables.
// It is immutable after Load() returns.
type Config struct {
	Environment string
	Port        string

	FrontendURL        string
	InternalAuthSecret string

	// Deployment environments whose tokens the TokenValidator accepts.
	AuthEnvironmentURLs []string

	DatabaseURL      string
	DatabaseMaxConns int

	GCPProject string
	GCPRegion  string

	VertexAILocation  string
	VertexAIModel     string
	EmbeddingLocation string
	EmbeddingModel    string

	EmbeddingDimensions int

	GCSBucketName      string
	GCSSignedURLExpiry string

	DocAIProcessorID string
	DocAILocation    string

	OpenSearchURL      string
	OpenSearchUsername string
	OpenSearchPassword string
	OpenSearchIndex    string

	MappingOpenSearchURL      string
	MappingOpenSearchUsername string
	MappingOpenSearchPassword string
	MappingStaffIndex         string
	MappingInstitutionIndex   string
	MappingMaxRetries         int
	MappingRetryBaseDelayMS   int

	FirebaseProjectID string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PubSubTopic string

	ChunkSizeChars    int
	ChunkOverlapChars int

	BulkUploadBatchSize int
	BulkUploadWorkers   int

	PromptsDir string
}

// Load reads configuration from environment variables. DATABASE_URL and
// GOOGLE_CLOUD_PROJECT are required; everything else falls back to a
// sensible default.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	gcpProject := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if gcpProject == "" {
		return nil, fmt.Errorf("config.Load: GOOGLE_CLOUD_PROJECT is required")
	}

	cfg := &Config{
		Environment: envStr("ENVIRONMENT", "development"),
		Port:        envStr("PORT", "8080"),

		FrontendURL:        envStr("FRONTEND_URL", "http://localhost:3000"),
		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),

		AuthEnvironmentURLs: envList("AUTH_ENVIRONMENT_URLS"),

		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),

		GCPProject: gcpProject,
		GCPRegion:  envStr("GCP_REGION", "us-east4"),

		VertexAILocation:  envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:     envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),
		EmbeddingLocation: envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:    envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),

		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 768),

		GCSBucketName:      envStr("GCS_BUCKET_NAME", ""),
		GCSSignedURLExpiry: envStr("GCS_SIGNED_URL_EXPIRY", "15m"),

		DocAIProcessorID: envStr("DOCUMENT_AI_PROCESSOR_ID", ""),
		DocAILocation:    envStr("DOCUMENT_AI_LOCATION", "us"),

		OpenSearchURL:      envStr("OPENSEARCH_URL", ""),
		OpenSearchUsername: envStr("OPENSEARCH_USERNAME", ""),
		OpenSearchPassword: envStr("OPENSEARCH_PASSWORD", ""),
		OpenSearchIndex:    envStr("OPENSEARCH_INDEX", "reference_corpus"),

		MappingOpenSearchURL:      envStr("MAPPING_OPENSEARCH_URL", ""),
		MappingOpenSearchUsername: envStr("MAPPING_OPENSEARCH_USERNAME", ""),
		MappingOpenSearchPassword: envStr("MAPPING_OPENSEARCH_PASSWORD", ""),
		MappingStaffIndex:         envStr("MAPPING_STAFF_INDEX", "staff"),
		MappingInstitutionIndex:   envStr("MAPPING_INSTITUTION_INDEX", "institutions"),
		MappingMaxRetries:         envInt("MAPPING_MAX_RETRIES", 10),
		MappingRetryBaseDelayMS:   envInt("MAPPING_RETRY_BASE_DELAY_MS", 250),

		FirebaseProjectID: envStr("FIREBASE_PROJECT_ID", ""),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		PubSubTopic: envStr("PUBSUB_NOTIFIER_TOPIC", "interaction-feedback"),

		ChunkSizeChars:    envInt("CHUNK_SIZE_CHARS", 8000),
		ChunkOverlapChars: envInt("CHUNK_OVERLAP_CHARS", 1500),

		BulkUploadBatchSize: envInt("BULK_UPLOAD_BATCH_SIZE", 5),
		BulkUploadWorkers:   envInt("BULK_UPLOAD_WORKERS", 20),

		PromptsDir: envStr("PROMPTS_DIR", "./internal/promptcompose/templates"),
	}

	return cfg, nil
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
