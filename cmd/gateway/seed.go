package main

import (
	"context"
	"encoding/json"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
)

// seedFile é o formato do arquivo de regras iniciais:
//
//	rules:
//	  - action: throttle
//	    ip_addresses: [".*"]
//	    max_requests_1m: 600
//	  - action: block
//	    api_keys: ["revoked-key"]
type seedFile struct {
	Rules []map[string]any `yaml:"rules"`
}

// seedRules aplica as regras do arquivo quando o motor ainda não tem nenhuma.
// Devolve quantas foram criadas.
func seedRules(ctx context.Context, log *zap.Logger, engine *application.Engine, path string) (int, error) {
	if engine.Counts().Rules > 0 {
		log.Info("seed rules skipped, engine already has rules", zap.String("file", path))
		return 0, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, ConfigError.New("read seed rules: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, ConfigError.New("parse seed rules %s: %w", path, err)
	}

	// valida tudo antes de gravar: um arquivo com erro não deixa regra nenhuma
	bodies := make([][]byte, len(file.Rules))
	for i, doc := range file.Rules {
		body, err := json.Marshal(doc)
		if err != nil {
			return 0, ConfigError.New("seed rule #%d: %w", i, err)
		}
		if _, err := domain.ParseRuleDocument(body); err != nil {
			return 0, ConfigError.New("seed rule #%d: %w", i, err)
		}
		bodies[i] = body
	}

	for i, body := range bodies {
		rule, err := engine.AddRule(ctx, body)
		if err != nil {
			// as próximas partidas pulam o seed, porque o motor já tem regras
			log.Error("seed rules left partially applied",
				zap.String("file", path),
				zap.Int("applied", i),
				zap.Int("total", len(bodies)),
				zap.Error(err),
			)
			return i, ConfigError.New("seed rule #%d: %w", i, err)
		}
		log.Debug("seed rule added", zap.Uint64("id", rule.ID), zap.Stringer("action", rule.Action))
	}
	log.Info("seed rules applied", zap.String("file", path), zap.Int("rules", len(file.Rules)))
	return len(file.Rules), nil
}
