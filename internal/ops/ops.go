// Package ops is the operation layer shared by the CLI and the MCP server.
// Each operation takes an Input struct, validates it, drives the core
// components and returns an Output struct or a ConsultError.
package ops

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/consult/internal/analyzer"
	"github.com/hpungsan/consult/internal/config"
	"github.com/hpungsan/consult/internal/conversation"
	"github.com/hpungsan/consult/internal/db"
	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/llm"
	"github.com/hpungsan/consult/internal/logger"
	"github.com/hpungsan/consult/internal/metrics"
	"github.com/hpungsan/consult/internal/pattern"
	"github.com/hpungsan/consult/internal/respcache"
	"github.com/hpungsan/consult/internal/text"
)

const logModule = "ops"

// Options configures NewCore.
type Options struct {
	// BaseDir is the data directory; <BaseDir>/imports is the default
	// import and export directory.
	BaseDir string
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// Scorer overrides the remote semantic scorer built from
	// Config.LLMBaseURL.
	Scorer pattern.Scorer

	// Now is the clock shared by every component. Defaults to time.Now.
	Now func() time.Time
}

// Core wires the consultation components over one database.
type Core struct {
	Store    *db.Store
	Config   *config.Config
	BaseDir  string
	Lexicon  *text.Lexicon
	Tracker  *conversation.Tracker
	Analyzer *analyzer.Analyzer
	Cache    *respcache.Cache
	Matcher  *pattern.Matcher
	Logger   logger.Logger
	Metrics  *metrics.Metrics

	now func() time.Time
}

// NewCore builds the components from configuration.
func NewCore(database *sql.DB, opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	lex := text.DefaultLexicon()
	if cfg.LexiconPath != "" {
		loaded, err := text.LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, errors.NewInvalidRequest(fmt.Sprintf("lexicon: %v", err))
		}
		lex = loaded
	}

	scorer := opts.Scorer
	if scorer == nil && strings.TrimSpace(cfg.LLMBaseURL) != "" {
		scorer = pattern.NewRemoteScorer(llm.NewOllamaProvider(cfg.LLMBaseURL, cfg.LLMModel))
		log.Info(logModule, "semantic scoring enabled", map[string]any{
			"base_url": cfg.LLMBaseURL,
			"model":    cfg.LLMModel,
		})
	}

	store := db.NewStore(database)
	return &Core{
		Store:   store,
		Config:  cfg,
		BaseDir: opts.BaseDir,
		Lexicon: lex,
		Tracker: conversation.NewTracker(store, conversation.Options{
			MaxTurns:           cfg.MaxTurns,
			SessionTimeout:     cfg.SessionTimeout(),
			ResponseTimeout:    cfg.ResponseTimeout(),
			MaxTimeoutWarnings: cfg.MaxTimeoutWarnings,
			Now:                now,
			Logger:             log,
			Metrics:            opts.Metrics,
		}),
		Analyzer: analyzer.New(lex, analyzer.DefaultRules()),
		Cache: respcache.New(store, respcache.Options{
			Capacity:            cfg.CacheCapacity,
			TTL:                 cfg.CacheTTL(),
			SimilarityThreshold: cfg.CacheSimilarityThreshold,
			CandidateLimit:      cfg.CacheCandidateLimit,
			Lexicon:             lex,
			Now:                 now,
			Logger:              log,
			Metrics:             opts.Metrics,
		}),
		Matcher: pattern.NewMatcher(store, scorer, pattern.MatcherOptions{
			DefaultMinScore: cfg.DefaultMinScore,
			TierRelaxation:  cfg.TierRelaxation,
			ScorerTimeout:   cfg.ScorerTimeout(),
			Parallelism:     cfg.ScorerParallelism,
			Lexicon:         lex,
			Now:             now,
			Logger:          log,
			Metrics:         opts.Metrics,
		}),
		Logger:  log,
		Metrics: opts.Metrics,
		now:     now,
	}, nil
}

// observe records an operation's outcome. Use with defer and a named error.
func (c *Core) observe(op string, start time.Time, err *error) {
	c.Metrics.RecordOperation(op, *err, time.Since(start))
	if *err != nil && !errors.Is(*err, errors.ErrInvalidRequest) && !errors.Is(*err, errors.ErrNotFound) {
		c.Logger.Warn(logModule, "operation failed", map[string]any{
			"operation": op,
			"error":     (*err).Error(),
		})
	}
}

// requireID trims id and rejects an empty one.
func requireID(field, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.NewInvalidRequest(field + " is required")
	}
	return id, nil
}
