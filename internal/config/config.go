package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override (e.g. CONSULT_MAX_TURNS).
const EnvPrefix = "CONSULT_"

// Config holds application configuration.
type Config struct {
	// MaxTurns is the number of user turns accepted before a conversation is
	// ended with SYSTEM_LIMIT.
	MaxTurns int `json:"max_turns"`

	// SessionTimeoutMinutes ends a conversation after this much inactivity.
	SessionTimeoutMinutes int `json:"session_timeout_minutes"`

	// ResponseTimeoutMinutes issues a timeout warning after this much inactivity.
	ResponseTimeoutMinutes int `json:"response_timeout_minutes"`

	// MaxTimeoutWarnings is how many response-timeout warnings are issued
	// before the conversation is ended with TIMEOUT.
	MaxTimeoutWarnings int `json:"max_timeout_warnings"`

	// CacheCapacity is the maximum number of cached answers kept.
	CacheCapacity int `json:"cache_capacity"`

	// CacheTTLDays expires cached answers by creation time.
	CacheTTLDays int `json:"cache_ttl_days"`

	// CacheSimilarityThreshold is the raw similarity an approximate hit must reach.
	CacheSimilarityThreshold float64 `json:"cache_similarity_threshold"`

	// CacheCandidateLimit bounds the approximate-match candidate set.
	CacheCandidateLimit int `json:"cache_candidate_limit"`

	// ScorerTimeoutSeconds bounds each remote semantic-similarity call.
	ScorerTimeoutSeconds int `json:"scorer_timeout_seconds"`

	// ScorerParallelism bounds concurrent remote scoring calls per match request.
	ScorerParallelism int `json:"scorer_parallelism"`

	// TierRelaxation multiplies the requested minimum score per tier
	// (owner, shared, global). Later tiers are usually looser.
	TierRelaxation []float64 `json:"tier_relaxation,omitempty"`

	// DefaultMinScore is used when a match request does not specify one.
	DefaultMinScore float64 `json:"default_min_score"`

	// LexiconPath points at a JSON lexicon merged over the built-in word lists.
	LexiconPath string `json:"lexicon_path,omitempty"`

	// LLMBaseURL enables the remote semantic scorer when set (Ollama API).
	LLMBaseURL string `json:"llm_base_url,omitempty"`

	// LLMModel is the model name sent to the completion service.
	LLMModel string `json:"llm_model,omitempty"`

	// LogFilePath is the rotated JSON log file. Empty disables file logging.
	LogFilePath string `json:"log_file_path,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// MetricsAddr exposes prometheus metrics over HTTP in server mode when set.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// AllowedPaths is an allowlist of directories for pattern import.
	// Paths outside <base>/imports require either being in this list or AllowUnsafePaths=true.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for pattern import.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes is a list of tool type names to disable entirely.
	// Known types: "conversation", "cache", "pattern".
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxTurns:                 20,
		SessionTimeoutMinutes:    30,
		ResponseTimeoutMinutes:   5,
		MaxTimeoutWarnings:       3,
		CacheCapacity:            1000,
		CacheTTLDays:             30,
		CacheSimilarityThreshold: 0.85,
		CacheCandidateLimit:      50,
		ScorerTimeoutSeconds:     30,
		ScorerParallelism:        4,
		TierRelaxation:           []float64{1.0, 0.9, 0.8},
		DefaultMinScore:          0.3,
		LLMModel:                 "llama3",
		LogLevel:                 "info",
	}
}

// SessionTimeout returns the session timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// ResponseTimeout returns the response timeout as a duration.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMinutes) * time.Minute
}

// CacheTTL returns the cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLDays) * 24 * time.Hour
}

// ScorerTimeout returns the remote scorer timeout as a duration.
func (c *Config) ScorerTimeout() time.Duration {
	return time.Duration(c.ScorerTimeoutSeconds) * time.Second
}

// Load loads configuration from baseDir/config.json and applies environment overrides.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.consult.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return ApplyEnv(cfg)
}

// LoadWithRepo loads configuration from both global (~/.consult) and repo (.consult) directories.
// Repo config is found by walking upward from startDir to find the nearest .consult/config.json.
// Repo config takes precedence for scalar values; arrays are merged (deduplicated).
// Environment overrides are applied last.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	return ApplyEnv(Merge(Merge(DefaultConfig(), global), repo))
}

// FindRepoConfig walks upward from startDir to find the nearest .consult/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".consult", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ApplyEnv overlays CONSULT_* environment variables onto cfg.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win over the file.
func ApplyEnv(cfg *Config) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	ints := map[string]*int{
		"MAX_TURNS":                &cfg.MaxTurns,
		"SESSION_TIMEOUT_MINUTES":  &cfg.SessionTimeoutMinutes,
		"RESPONSE_TIMEOUT_MINUTES": &cfg.ResponseTimeoutMinutes,
		"MAX_TIMEOUT_WARNINGS":     &cfg.MaxTimeoutWarnings,
		"CACHE_CAPACITY":           &cfg.CacheCapacity,
		"CACHE_TTL_DAYS":           &cfg.CacheTTLDays,
		"CACHE_CANDIDATE_LIMIT":    &cfg.CacheCandidateLimit,
		"SCORER_TIMEOUT_SECONDS":   &cfg.ScorerTimeoutSeconds,
		"SCORER_PARALLELISM":       &cfg.ScorerParallelism,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, errors.New("invalid " + EnvPrefix + key + ": " + v)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"CACHE_SIMILARITY_THRESHOLD": &cfg.CacheSimilarityThreshold,
		"DEFAULT_MIN_SCORE":          &cfg.DefaultMinScore,
	}
	for key, dst := range floats {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, errors.New("invalid " + EnvPrefix + key + ": " + v)
			}
			*dst = f
		}
	}

	strs := map[string]*string{
		"LEXICON_PATH":  &cfg.LexiconPath,
		"LLM_BASE_URL":  &cfg.LLMBaseURL,
		"LLM_MODEL":     &cfg.LLMModel,
		"LOG_FILE_PATH": &cfg.LogFilePath,
		"LOG_LEVEL":     &cfg.LogLevel,
		"METRICS_ADDR":  &cfg.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated,
// except TierRelaxation which is replaced wholesale when the overlay sets it.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.MaxTurns = firstInt(overlay.MaxTurns, base.MaxTurns)
	result.SessionTimeoutMinutes = firstInt(overlay.SessionTimeoutMinutes, base.SessionTimeoutMinutes)
	result.ResponseTimeoutMinutes = firstInt(overlay.ResponseTimeoutMinutes, base.ResponseTimeoutMinutes)
	result.MaxTimeoutWarnings = firstInt(overlay.MaxTimeoutWarnings, base.MaxTimeoutWarnings)
	result.CacheCapacity = firstInt(overlay.CacheCapacity, base.CacheCapacity)
	result.CacheTTLDays = firstInt(overlay.CacheTTLDays, base.CacheTTLDays)
	result.CacheCandidateLimit = firstInt(overlay.CacheCandidateLimit, base.CacheCandidateLimit)
	result.ScorerTimeoutSeconds = firstInt(overlay.ScorerTimeoutSeconds, base.ScorerTimeoutSeconds)
	result.ScorerParallelism = firstInt(overlay.ScorerParallelism, base.ScorerParallelism)
	result.DBMaxOpenConns = firstInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = firstInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	result.CacheSimilarityThreshold = overlay.CacheSimilarityThreshold
	if result.CacheSimilarityThreshold == 0 {
		result.CacheSimilarityThreshold = base.CacheSimilarityThreshold
	}
	result.DefaultMinScore = overlay.DefaultMinScore
	if result.DefaultMinScore == 0 {
		result.DefaultMinScore = base.DefaultMinScore
	}

	result.LexiconPath = firstString(overlay.LexiconPath, base.LexiconPath)
	result.LLMBaseURL = firstString(overlay.LLMBaseURL, base.LLMBaseURL)
	result.LLMModel = firstString(overlay.LLMModel, base.LLMModel)
	result.LogFilePath = firstString(overlay.LogFilePath, base.LogFilePath)
	result.LogLevel = firstString(overlay.LogLevel, base.LogLevel)
	result.MetricsAddr = firstString(overlay.MetricsAddr, base.MetricsAddr)

	result.TierRelaxation = base.TierRelaxation
	if len(overlay.TierRelaxation) > 0 {
		result.TierRelaxation = append([]float64(nil), overlay.TierRelaxation...)
	}

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func firstInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func firstString(overlay, base string) string {
	if overlay != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
