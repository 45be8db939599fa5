// Package config loads engine configuration from the environment with an
// optional YAML overlay, validates it and clamps tunables to their legal
// ranges.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"engram/application/ports"
	"engram/pkg/errors"
)

// Collections names the four vector store partitions the engine owns.
type Collections struct {
	Shared   string `yaml:"shared"`
	Private  string `yaml:"private"`
	Profiles string `yaml:"profiles"`
	Skills   string `yaml:"skills"`
}

// Config is the full engine configuration.
type Config struct {
	// Required.
	VectorDBURL  string `yaml:"vectorDbUrl" validate:"required,url"`
	EmbeddingURL string `yaml:"embeddingUrl" validate:"required,url"`
	AgentID      string `yaml:"agentId" validate:"required"`

	// Service surface.
	ServerAddress string `yaml:"serverAddress"`
	Environment   string `yaml:"environment"`
	LogLevel      string `yaml:"logLevel"`

	EmbeddingModel string `yaml:"embeddingModel"`
	UserID         string `yaml:"userId"`

	// Capture behavior.
	AutoCapture     bool `yaml:"autoCapture"`
	AutoRecall      bool `yaml:"autoRecall"`
	CaptureMaxChars int  `yaml:"captureMaxChars" validate:"min=100,max=10000"`

	// Optional enrichment service.
	ExtractionURL    string `yaml:"extractionUrl" validate:"omitempty,url"`
	EnableExtraction bool   `yaml:"enableExtraction"`

	// Graph backend.
	GraphURL    string `yaml:"graphUrl"`
	EnableGraph bool   `yaml:"enableGraph"`
	GraphName   string `yaml:"graphName"`

	// Linking and retrieval tunables.
	EnableAutoLink        bool    `yaml:"enableAutoLink"`
	AutoLinkThreshold     float64 `yaml:"autoLinkThreshold" validate:"min=0.3,max=0.99"`
	EnableDecay           bool    `yaml:"enableDecay"`
	EnablePriorityScoring bool    `yaml:"enablePriorityScoring"`
	EnableConfidenceTags  bool    `yaml:"enableConfidenceTags"`
	EnableBM25            bool    `yaml:"enableBM25"`
	SpreadActivationDepth int     `yaml:"spreadActivationDepth" validate:"min=1,max=5"`
	SpreadActivationDecay float64 `yaml:"spreadActivationDecay" validate:"min=0.1,max=0.9"`

	// Cognition features.
	EnablePreferenceTracking bool `yaml:"enablePreferenceTracking"`
	EnableSentimentTracking  bool `yaml:"enableSentimentTracking"`
	EnableLessonExtraction   bool `yaml:"enableLessonExtraction"`
	EnableTemporalMining     bool `yaml:"enableTemporalMining"`
	EnableProactiveWarnings  bool `yaml:"enableProactiveWarnings"`

	// Background maintenance.
	EnableDreamConsolidation   bool `yaml:"enableDreamConsolidation"`
	DreamIntervalHours         int  `yaml:"dreamIntervalHours" validate:"min=1"`
	ConsolidationIntervalHours int  `yaml:"consolidationIntervalHours" validate:"min=1"`

	// Bus.
	RedisURL                  string `yaml:"redisUrl"`
	EnableBroadcast           bool   `yaml:"enableBroadcast"`
	EnableCollectiveSynthesis bool   `yaml:"enableCollectiveSynthesis"`

	Collections Collections `yaml:"collections"`
}

// Load reads configuration from the environment, then applies the YAML
// overlay named by ENGRAM_CONFIG_FILE when present, then clamps and
// validates.
func Load() (*Config, error) {
	cfg := &Config{
		VectorDBURL:  getEnv("VECTOR_DB_URL", ""),
		EmbeddingURL: getEnv("EMBEDDING_URL", ""),
		AgentID:      getEnv("AGENT_ID", ""),

		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		EmbeddingModel: getEnv("EMBEDDING_MODEL", ""),
		UserID:         getEnv("USER_ID", "default"),

		AutoCapture:     getEnvBool("AUTO_CAPTURE", true),
		AutoRecall:      getEnvBool("AUTO_RECALL", true),
		CaptureMaxChars: getEnvInt("CAPTURE_MAX_CHARS", 500),

		ExtractionURL:    getEnv("EXTRACTION_URL", ""),
		EnableExtraction: getEnvBool("ENABLE_EXTRACTION", false),

		GraphURL:    getEnv("GRAPH_URL", ""),
		EnableGraph: getEnvBool("ENABLE_GRAPH", false),
		GraphName:   getEnv("GRAPH_NAME", "engram"),

		EnableAutoLink:        getEnvBool("ENABLE_AUTO_LINK", true),
		AutoLinkThreshold:     getEnvFloat("AUTO_LINK_THRESHOLD", 0.70),
		EnableDecay:           getEnvBool("ENABLE_DECAY", true),
		EnablePriorityScoring: getEnvBool("ENABLE_PRIORITY_SCORING", true),
		EnableConfidenceTags:  getEnvBool("ENABLE_CONFIDENCE_TAGS", true),
		EnableBM25:            getEnvBool("ENABLE_BM25", true),
		SpreadActivationDepth: getEnvInt("SPREAD_ACTIVATION_DEPTH", 2),
		SpreadActivationDecay: getEnvFloat("SPREAD_ACTIVATION_DECAY", 0.5),

		EnablePreferenceTracking: getEnvBool("ENABLE_PREFERENCE_TRACKING", true),
		EnableSentimentTracking:  getEnvBool("ENABLE_SENTIMENT_TRACKING", true),
		EnableLessonExtraction:   getEnvBool("ENABLE_LESSON_EXTRACTION", true),
		EnableTemporalMining:     getEnvBool("ENABLE_TEMPORAL_MINING", true),
		EnableProactiveWarnings:  getEnvBool("ENABLE_PROACTIVE_WARNINGS", true),

		EnableDreamConsolidation:   getEnvBool("ENABLE_DREAM_CONSOLIDATION", true),
		DreamIntervalHours:         getEnvInt("DREAM_INTERVAL_HOURS", 12),
		ConsolidationIntervalHours: getEnvInt("CONSOLIDATION_INTERVAL_HOURS", 6),

		RedisURL:                  getEnv("REDIS_URL", ""),
		EnableBroadcast:           getEnvBool("ENABLE_BROADCAST", false),
		EnableCollectiveSynthesis: getEnvBool("ENABLE_COLLECTIVE_SYNTHESIS", false),

		Collections: Collections{
			Shared:   getEnv("COLLECTION_SHARED", "engram_shared"),
			Private:  getEnv("COLLECTION_PRIVATE", "engram_private"),
			Profiles: getEnv("COLLECTION_PROFILES", "engram_profiles"),
			Skills:   getEnv("COLLECTION_SKILLS", "engram_skills"),
		},
	}

	if path := os.Getenv("ENGRAM_CONFIG_FILE"); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return nil, err
		}
	}

	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewConfig("config.load", "ENGRAM_CONFIG_FILE", err.Error())
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewConfig("config.load", "ENGRAM_CONFIG_FILE",
			fmt.Sprintf("parse overlay: %v", err))
	}
	return nil
}

// Clamp forces tunables into their legal ranges instead of failing.
func (c *Config) Clamp() {
	c.CaptureMaxChars = clampInt(c.CaptureMaxChars, 100, 10000)
	c.AutoLinkThreshold = clampFloat(c.AutoLinkThreshold, 0.3, 0.99)
	c.SpreadActivationDepth = clampInt(c.SpreadActivationDepth, 1, 5)
	c.SpreadActivationDecay = clampFloat(c.SpreadActivationDecay, 0.1, 0.9)
	if c.DreamIntervalHours < 1 {
		c.DreamIntervalHours = 12
	}
	if c.ConsolidationIntervalHours < 1 {
		c.ConsolidationIntervalHours = 6
	}
}

// Validate fails startup on missing required fields or unparsable URLs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.NewConfig("config.validate", fe.Field(),
				fmt.Sprintf("failed %q validation", fe.Tag()))
		}
		return errors.NewConfig("config.validate", "", err.Error())
	}
	return nil
}

// Partitions maps the collection names into the port type.
func (c *Config) Partitions() ports.Partitions {
	return ports.Partitions{
		Shared:   c.Collections.Shared,
		Private:  c.Collections.Private,
		Profiles: c.Collections.Profiles,
		Skills:   c.Collections.Skills,
	}
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
