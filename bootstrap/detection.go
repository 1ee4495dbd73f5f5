package bootstrap

import (
	"fmt"

	"go.uber.org/zap"

	"patterndb/config"
	"patterndb/core"
	"patterndb/detect"
	"patterndb/expression"
)

// InitEngine creates the engine described by cfg. The rule database is
// loaded separately by LoadDatabase.
func InitEngine(cfg *config.Config, clock core.Clock, sugar *zap.SugaredLogger) (*detect.Engine, error) {
	eval, err := expression.NewEvaluator(cfg.Engine.ExpressionCacheSize, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}
	engine, err := detect.NewEngine(detect.EngineConfig{
		Shards:               cfg.Engine.Shards,
		StrictInvariants:     cfg.Engine.StrictInvariants,
		MaxContextMessages:   cfg.Engine.MaxContextMessages,
		RateLimiterCacheSize: cfg.Engine.RateLimiterCacheSize,
		RegexTimeout:         cfg.GetRegexTimeout(),
		Clock:                clock,
	}, eval, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	sugar.Infow("Engine initialized",
		"shards", cfg.Engine.Shards,
		"strict_invariants", cfg.Engine.StrictInvariants,
		"max_context_messages", cfg.Engine.MaxContextMessages,
		"regex_timeout", cfg.GetRegexTimeout())
	return engine, nil
}

// LoadDatabase reads the rule database at path and publishes it as the
// engine's next generation.
func LoadDatabase(engine *detect.Engine, path string, sugar *zap.SugaredLogger) error {
	db, err := detect.LoadDatabase(path, sugar)
	if err != nil {
		return err
	}
	if err := engine.Load(db); err != nil {
		return fmt.Errorf("failed to compile %s: %w", path, err)
	}
	return nil
}
