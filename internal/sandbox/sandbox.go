// Package sandbox executes skill content under trust-tiered resource
// policies. The Runner interface keeps the enforcement backend pluggable;
// the in-process runner here is the reference backend.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/skillvault/internal/catalog"
	"go.uber.org/zap"
)

// Policy bounds one execution. Every trust level maps to exactly one policy.
type Policy struct {
	Name                string        `json:"name"`
	Timeout             time.Duration `json:"timeout"`
	MaxMemoryMB         int           `json:"max_memory_mb"`
	AllowedCapabilities []string      `json:"allowed_capabilities"`
	NetworkEnabled      bool          `json:"network_enabled"`
}

// PolicyTable is the static trust level → policy mapping.
type PolicyTable map[catalog.TrustLevel]Policy

// DefaultPolicies returns the built-in policy table covering all trust levels.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		catalog.TrustCore: {
			Name: "core", Timeout: 60 * time.Second, MaxMemoryMB: 1024,
			AllowedCapabilities: []string{"net", "store", "compute"}, NetworkEnabled: true,
		},
		catalog.TrustVerified: {
			Name: "verified", Timeout: 30 * time.Second, MaxMemoryMB: 512,
			AllowedCapabilities: []string{"net", "compute"}, NetworkEnabled: true,
		},
		catalog.TrustCommunity: {
			Name: "community", Timeout: 10 * time.Second, MaxMemoryMB: 256,
			AllowedCapabilities: []string{"compute"},
		},
		catalog.TrustUser: {
			Name: "user", Timeout: 5 * time.Second, MaxMemoryMB: 128,
			AllowedCapabilities: []string{"compute"},
		},
	}
}

// Validate confirms the table covers every trust level. An unmapped level is
// a configuration error, caught at construction rather than at run time.
func (t PolicyTable) Validate() error {
	for _, level := range []catalog.TrustLevel{
		catalog.TrustCore, catalog.TrustVerified, catalog.TrustCommunity, catalog.TrustUser,
	} {
		if _, ok := t[level]; !ok {
			return fmt.Errorf("no sandbox policy for trust level %s", level)
		}
	}
	return nil
}

// Violation kinds for hard policy breaches.
const (
	ViolationTimeout    = "timeout"
	ViolationMemory     = "memory"
	ViolationCapability = "capability"
)

// Violation is raised when execution breaches a hard resource bound.
type Violation struct {
	Kind   string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("sandbox violation (%s): %s", v.Kind, v.Reason)
}

// Result is the bounded outcome of one sandboxed execution.
type Result struct {
	Output          any      `json:"output"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	MemoryUsedMB    int      `json:"memory_used_mb"`
	Violations      []string `json:"violations,omitempty"`
	Success         bool     `json:"success"`
}

// Runner executes skill content against an input under a policy.
type Runner interface {
	Run(ctx context.Context, skillPath, content string, input map[string]any, policy Policy) (*Result, error)
}

// HandlerFunc is the in-process body of a native skill.
type HandlerFunc func(ctx context.Context, input map[string]any) (any, error)

// InProcessRunner runs skills inside the host process. Native skills are
// dispatched to registered handlers; declarative skills are rendered from
// their content. The policy timeout is enforced with a context deadline.
type InProcessRunner struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewInProcessRunner(logger *zap.Logger) *InProcessRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InProcessRunner{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register binds a handler to a skill path (e.g. "native:research_person").
func (r *InProcessRunner) Register(skillPath string, h HandlerFunc) {
	r.handlers[skillPath] = h
}

// Run executes the skill and returns a bounded result, or a *Violation for
// hard breaches. The timeout is a hard bound: when the deadline expires the
// handler's goroutine is abandoned and a timeout violation is returned.
func (r *InProcessRunner) Run(ctx context.Context, skillPath, content string, input map[string]any, policy Policy) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("skill panicked: %v", rec)}
			}
		}()
		if h, ok := r.handlers[skillPath]; ok {
			out, err := h(ctx, input)
			done <- outcome{output: out, err: err}
			return
		}
		done <- outcome{output: renderDeclarative(content, input)}
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("skill execution timed out",
			zap.String("skill", skillPath), zap.Duration("timeout", policy.Timeout))
		return nil, &Violation{
			Kind:   ViolationTimeout,
			Reason: fmt.Sprintf("execution exceeded %s policy timeout of %s", policy.Name, policy.Timeout),
		}
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if err := checkOutputBound(out.output, policy); err != nil {
			return nil, err
		}
		return &Result{
			Output:          out.output,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			MemoryUsedMB:    approxMemoryMB(out.output),
			Success:         true,
		}, nil
	}
}

// checkOutputBound treats an output larger than the policy's memory ceiling
// as a memory violation. Real memory accounting belongs to a container
// backend; the in-process runner bounds what it can observe.
func checkOutputBound(output any, policy Policy) error {
	data, err := json.Marshal(output)
	if err != nil {
		return nil
	}
	if len(data) > policy.MaxMemoryMB*1024*1024 {
		return &Violation{
			Kind:   ViolationMemory,
			Reason: fmt.Sprintf("output of %d bytes exceeds %dMB ceiling", len(data), policy.MaxMemoryMB),
		}
	}
	return nil
}

func approxMemoryMB(output any) int {
	data, err := json.Marshal(output)
	if err != nil {
		return 0
	}
	return len(data) / (1024 * 1024)
}

// renderDeclarative is the execution path for manifest and tenant skills:
// the content is instruction text, so the result is the instructions paired
// with the (sanitized) input for the downstream consumer.
func renderDeclarative(content string, input map[string]any) map[string]any {
	return map[string]any{
		"instructions": content,
		"input":        input,
	}
}
