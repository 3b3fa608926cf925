package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// OllamaConfig points at the local model server
type OllamaConfig struct {
	BaseURL    string `yaml:"base_url"`
	EmbedModel string `yaml:"embed_model"`
	ChatModel  string `yaml:"chat_model"`
}

// MemoryConfig tunes the ephemeral stores
type MemoryConfig struct {
	MaxTurns          int           `yaml:"max_turns"`
	MaxGists          int           `yaml:"max_gists"`
	MaxPerType        int           `yaml:"max_per_type"`
	JaccardThreshold  float64       `yaml:"jaccard_threshold"`
	MinGistConfidence float64       `yaml:"min_gist_confidence"` // 0-10 scale
	GistTTL           time.Duration `yaml:"gist_ttl"`
	FactTTL           time.Duration `yaml:"fact_ttl"`
	WorldTTL          time.Duration `yaml:"world_ttl"`
}

// DigestConfig tunes the request pipeline
type DigestConfig struct {
	ToolRelevanceThreshold float64  `yaml:"tool_relevance_threshold"`
	WarmthThreshold        float64  `yaml:"warmth_threshold"`
	InFlightCosine         float64  `yaml:"in_flight_cosine"`
	StaleTopicCosine       float64  `yaml:"stale_topic_cosine"`
	ColdStartBoosters      []string `yaml:"cold_start_boosters"`
}

// ActConfig bounds the reasoning loop
type ActConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	FatigueBudget     float64       `yaml:"fatigue_budget"`
	CumulativeTimeout time.Duration `yaml:"cumulative_timeout"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	RepetitionLimit   int           `yaml:"repetition_limit"`
}

// ChunkerConfig tunes memory extraction
type ChunkerConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MinFactConfidence float64       `yaml:"min_fact_confidence"`
}

// EpisodicConfig tunes episode consolidation
type EpisodicConfig struct {
	BatchSize         int           `yaml:"batch_size"`
	InactivityTrigger time.Duration `yaml:"inactivity_trigger"`
	ThreadExpiry      time.Duration `yaml:"thread_expiry"`
}

// SemanticConfig tunes concept extraction
type SemanticConfig struct {
	MinEpisodes int `yaml:"min_episodes"`
	BatchLimit  int `yaml:"batch_limit"`
	MaxRetries  int `yaml:"max_retries"`
}

// DecayConfig tunes the background decay engine
type DecayConfig struct {
	Interval       time.Duration `yaml:"interval"`
	LambdaEpisodic float64       `yaml:"lambda_episodic"`
	LambdaSemantic float64       `yaml:"lambda_semantic"`
	TraitFloorDays int           `yaml:"trait_floor_days"`
}

// DriftConfig tunes the autonomous engine
type DriftConfig struct {
	Interval      time.Duration `yaml:"interval"`
	QuietStart    int           `yaml:"quiet_start"` // local hour, inclusive
	QuietEnd      int           `yaml:"quiet_end"`   // local hour, exclusive
	MinIdle       time.Duration `yaml:"min_idle"`
	MaxIdle       time.Duration `yaml:"max_idle"`
	MaxCandidates int           `yaml:"max_candidates"`
	CPULoadMax    float64       `yaml:"cpu_load_max"` // skip tick above this percent
}

// QueueConfig tunes the worker runtime
type QueueConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// LLMConfig tunes provider calls
type LLMConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ToolServer describes one external MCP tool server
type ToolServer struct {
	Name          string            `yaml:"name"`
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	Env           map[string]string `yaml:"env"`
	Notifications bool              `yaml:"notifications"` // tools may receive __notification__ calls
}

// Config is the full runtime configuration
type Config struct {
	StatePath string         `yaml:"state_path"`
	User      string         `yaml:"user"`
	Ollama    OllamaConfig   `yaml:"ollama"`
	Memory    MemoryConfig   `yaml:"memory"`
	Digest    DigestConfig   `yaml:"digest"`
	Act       ActConfig      `yaml:"act"`
	Chunker   ChunkerConfig  `yaml:"chunker"`
	Episodic  EpisodicConfig `yaml:"episodic"`
	Semantic  SemanticConfig `yaml:"semantic"`
	Decay     DecayConfig    `yaml:"decay"`
	Drift     DriftConfig    `yaml:"drift"`
	Queue     QueueConfig    `yaml:"queue"`
	LLM       LLMConfig      `yaml:"llm"`
	Tools     []ToolServer   `yaml:"tools"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		StatePath: "state",
		User:      "owner",
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			ChatModel:  "llama3.2",
		},
		Memory: MemoryConfig{
			MaxTurns:          12,
			MaxGists:          8,
			MaxPerType:        2,
			JaccardThreshold:  0.7,
			MinGistConfidence: 3.0,
			GistTTL:           6 * time.Hour,
			FactTTL:           24 * time.Hour,
			WorldTTL:          12 * time.Hour,
		},
		Digest: DigestConfig{
			ToolRelevanceThreshold: 0.35,
			WarmthThreshold:        0.1,
			InFlightCosine:         0.65,
			StaleTopicCosine:       0.45,
			ColdStartBoosters: []string{
				"I'm Chalie, a personal assistant who remembers our conversations and learns your preferences over time.",
				"I can use my tools to look things up, and I keep track of the facts and projects you share with me.",
			},
		},
		Act: ActConfig{
			MaxIterations:     5,
			FatigueBudget:     10.0,
			CumulativeTimeout: 60 * time.Second,
			ActionTimeout:     10 * time.Second,
			RepetitionLimit:   3,
		},
		Chunker: ChunkerConfig{
			Timeout:           300 * time.Second,
			MinFactConfidence: 0.5,
		},
		Episodic: EpisodicConfig{
			BatchSize:         3,
			InactivityTrigger: 10 * time.Minute,
			ThreadExpiry:      6 * time.Hour,
		},
		Semantic: SemanticConfig{
			MinEpisodes: 5,
			BatchLimit:  20,
			MaxRetries:  5,
		},
		Decay: DecayConfig{
			Interval:       30 * time.Minute,
			LambdaEpisodic: 0.05,
			LambdaSemantic: 0.02,
			TraitFloorDays: 7,
		},
		Drift: DriftConfig{
			Interval:      15 * time.Minute,
			QuietStart:    23,
			QuietEnd:      8,
			MinIdle:       2 * time.Hour,
			MaxIdle:       72 * time.Hour,
			MaxCandidates: 3,
			CPULoadMax:    75.0,
		},
		Queue: QueueConfig{
			DefaultTimeout: 600 * time.Second,
		},
		LLM: LLMConfig{
			Timeout: 45 * time.Second,
		},
	}
}

// Load reads path (if it exists) over defaults, then applies env
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := os.Getenv("EMBED_MODEL"); v != "" {
		cfg.Ollama.EmbedModel = v
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		cfg.Ollama.ChatModel = v
	}
	if v := os.Getenv("CHALIE_USER"); v != "" {
		cfg.User = v
	}
}
