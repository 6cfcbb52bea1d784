// Package pipeline drives one skill execution through the fixed safety
// sequence: lookup, sensitivity classification, sanitization, trust-tiered
// sandboxing, and tamper-evident finalization.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/skillvault/internal/audit"
	"github.com/nidhogg/skillvault/internal/catalog"
	"github.com/nidhogg/skillvault/internal/hash"
	"github.com/nidhogg/skillvault/internal/sandbox"
	"github.com/nidhogg/skillvault/internal/sanitize"
	"go.uber.org/zap"
)

// Pipeline stages, in execution order.
const (
	StageLookup   = "lookup"
	StageClassify = "classify"
	StageSanitize = "sanitize"
	StageSandbox  = "sandbox"
	StageFinalize = "finalize"
)

// ExecError is a caller-precondition failure: the skill doesn't exist or
// isn't installed. It is the only error Execute ever returns, and it always
// means nothing ran — no audit entry, no usage update.
type ExecError struct {
	SkillID string
	Stage   string
	Message string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("skill %s: %s (stage %s)", e.SkillID, e.Message, e.Stage)
}

// SkillExecution is the uniform result of one pipeline run. Never mutated
// after return.
type SkillExecution struct {
	ID              string             `json:"id"`
	SkillID         string             `json:"skill_id"`
	SkillPath       string             `json:"skill_path"`
	TrustLevel      catalog.TrustLevel `json:"trust_level"`
	InputHash       string             `json:"input_hash"`
	OutputHash      string             `json:"output_hash,omitempty"`
	Sanitized       bool               `json:"sanitized"`
	TokensUsed      []string           `json:"tokens_used,omitempty"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
	Success         bool               `json:"success"`
	Result          any                `json:"result,omitempty"`
	Error           string             `json:"error,omitempty"`
	Cached          bool               `json:"cached,omitempty"`
}

// Collaborator contracts consumed by the pipeline.

type Classifier interface {
	Classify(ctx context.Context, input map[string]any) (sanitize.Classification, error)
}

type Sanitizer interface {
	Sanitize(ctx context.Context, input map[string]any, cls sanitize.Classification) (map[string]any, []string, error)
}

type Installer interface {
	IsInstalled(ctx context.Context, userID, skillID string) (bool, error)
	RecordUsage(ctx context.Context, userID, skillID string, success bool, durationMs int64) error
}

type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// ResultCache is the optional idempotency cache for finished executions.
type ResultCache interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Put(ctx context.Context, key string, v any) error
}

// Config wires an Executor. Cache is optional; everything else is required.
type Config struct {
	Catalog    *catalog.Catalog
	Classifier Classifier
	Sanitizer  Sanitizer
	Runner     sandbox.Runner
	Policies   sandbox.PolicyTable
	Installer  Installer
	Audit      AuditSink
	Cache      ResultCache
	Logger     *zap.Logger
}

// Executor runs skills through the pipeline. Safe for concurrent use.
type Executor struct {
	cfg Config
}

// New validates the configuration, in particular that the policy table maps
// every trust level, and returns a ready Executor.
func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("pipeline: catalog is required")
	case cfg.Classifier == nil || cfg.Sanitizer == nil:
		return nil, fmt.Errorf("pipeline: classifier and sanitizer are required")
	case cfg.Runner == nil:
		return nil, fmt.Errorf("pipeline: sandbox runner is required")
	case cfg.Installer == nil:
		return nil, fmt.Errorf("pipeline: installer is required")
	case cfg.Audit == nil:
		return nil, fmt.Errorf("pipeline: audit sink is required")
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Executor{cfg: cfg}, nil
}

// Execute runs one skill for one user. The failure contract is asymmetric:
// a caller-precondition failure (unknown or uninstalled skill) is
// returned as *ExecError with no side effects, while every failure past
// lookup is contained in the returned SkillExecution, audited, and counted
// in usage stats.
func (e *Executor) Execute(ctx context.Context, userID, skillID string, input map[string]any) (*SkillExecution, error) {
	entry, ok := e.cfg.Catalog.Get(skillID)
	if !ok {
		return nil, &ExecError{SkillID: skillID, Stage: StageLookup, Message: "skill not found in catalog"}
	}
	installed, err := e.cfg.Installer.IsInstalled(ctx, userID, skillID)
	if err != nil {
		return nil, &ExecError{SkillID: skillID, Stage: StageLookup,
			Message: fmt.Sprintf("install check failed: %v", err)}
	}
	if !installed {
		return nil, &ExecError{SkillID: skillID, Stage: StageLookup,
			Message: "skill not installed for user"}
	}

	inputHash := hash.Sum(input)

	if e.cfg.Cache != nil {
		var cached SkillExecution
		hit, cerr := e.cfg.Cache.Get(ctx, cacheKey(skillID, inputHash), &cached)
		if cerr != nil {
			e.cfg.Logger.Warn("result cache read failed", zap.Error(cerr))
		} else if hit {
			cached.Cached = true
			return &cached, nil
		}
	}

	start := time.Now()
	exec := &SkillExecution{
		ID:         uuid.NewString(),
		SkillID:    skillID,
		SkillPath:  entry.Path,
		TrustLevel: entry.TrustLevel,
		InputHash:  inputHash,
	}

	runErr := e.runStages(ctx, entry, input, exec)
	exec.ExecutionTimeMs = time.Since(start).Milliseconds()
	exec.Success = runErr == nil
	if runErr != nil {
		exec.Error = runErr.Error()
		e.cfg.Logger.Warn("skill execution failed",
			zap.String("skill", skillID), zap.String("user", userID), zap.Error(runErr))
	}

	// Finalize always runs, even when the caller has cancelled: the audit
	// entry and usage update must not be skipped.
	e.finalize(context.WithoutCancel(ctx), userID, exec)

	if e.cfg.Cache != nil && exec.Success {
		if cerr := e.cfg.Cache.Put(ctx, cacheKey(skillID, inputHash), exec); cerr != nil {
			e.cfg.Logger.Warn("result cache write failed", zap.Error(cerr))
		}
	}
	return exec, nil
}

// runStages drives classify → sanitize → sandbox. Any error or panic is
// returned for containment, never propagated to the caller.
func (e *Executor) runStages(ctx context.Context, entry *catalog.SkillEntry, input map[string]any, exec *SkillExecution) (err error) {
	stage := StageClassify
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: panic: %v", stage, rec)
		}
	}()

	cls, err := e.cfg.Classifier.Classify(ctx, input)
	if err != nil {
		return fmt.Errorf("%s: %w", StageClassify, err)
	}

	stage = StageSanitize
	payload, tokens, err := e.cfg.Sanitizer.Sanitize(ctx, input, cls)
	if err != nil {
		return fmt.Errorf("%s: %w", StageSanitize, err)
	}
	exec.Sanitized = len(tokens) > 0
	exec.TokensUsed = tokens

	stage = StageSandbox
	// The table is validated at construction, so the policy always exists.
	policy := e.cfg.Policies[entry.TrustLevel]
	res, err := e.cfg.Runner.Run(ctx, entry.Path, entry.Content, payload, policy)
	if err != nil {
		return fmt.Errorf("%s: %w", StageSandbox, err)
	}

	exec.Result = res.Output
	exec.OutputHash = hash.Sum(res.Output)
	return nil
}

// finalize appends the audit entry and records usage. Failures here are
// logged but never surfaced: the execution result is already decided.
func (e *Executor) finalize(ctx context.Context, userID string, exec *SkillExecution) {
	rec := audit.Record{
		ID:              exec.ID,
		Timestamp:       time.Now().UTC(),
		UserID:          userID,
		SkillID:         exec.SkillID,
		SkillPath:       exec.SkillPath,
		TrustLevel:      exec.TrustLevel.String(),
		InputHash:       exec.InputHash,
		OutputHash:      exec.OutputHash,
		Sanitized:       exec.Sanitized,
		TokensUsed:      exec.TokensUsed,
		ExecutionTimeMs: exec.ExecutionTimeMs,
		Success:         exec.Success,
		Error:           exec.Error,
	}
	if _, err := e.cfg.Audit.Append(ctx, rec); err != nil {
		e.cfg.Logger.Error("audit append failed",
			zap.String("execution", exec.ID), zap.Error(err))
	}
	if err := e.cfg.Installer.RecordUsage(ctx, userID, exec.SkillID, exec.Success, exec.ExecutionTimeMs); err != nil {
		e.cfg.Logger.Error("usage update failed",
			zap.String("skill", exec.SkillID), zap.Error(err))
	}
}

func cacheKey(skillID, inputHash string) string {
	return "skillvault:result:" + skillID + ":" + inputHash
}
