package catalog

import (
	"context"
	"strings"
)

// FuncProvider adapts a plain function into a Provider. Used for the
// built-in capability table and for tests.
type FuncProvider struct {
	ProviderName string
	Desc         string
	Agents       []string
	Handle       func(ctx context.Context, task Task) (float64, error)
}

func (p *FuncProvider) Name() string         { return p.ProviderName }
func (p *FuncProvider) Description() string  { return p.Desc }
func (p *FuncProvider) AgentTypes() []string { return p.Agents }

func (p *FuncProvider) CanHandle(ctx context.Context, task Task) (float64, error) {
	if p.Handle == nil {
		return 0, nil
	}
	return p.Handle(ctx, task)
}

// keywordMatch is the self-assessment most built-in providers share: full
// score on an exact task type match, partial score when any keyword appears
// in the task text.
func keywordMatch(name string, keywords ...string) func(context.Context, Task) (float64, error) {
	return func(_ context.Context, task Task) (float64, error) {
		if strings.EqualFold(task.Type, name) {
			return 1.0, nil
		}
		text := task.Text()
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				return 0.6, nil
			}
		}
		return 0, nil
	}
}

// BuiltinProviders returns the fixed set of native capabilities compiled
// into the host.
func BuiltinProviders() []Provider {
	return []Provider{
		&FuncProvider{
			ProviderName: "research_person",
			Desc:         "Look up public background information about a person",
			Agents:       []string{"researcher", "recruiter"},
			Handle:       keywordMatch("research_person", "research", "person", "background"),
		},
		&FuncProvider{
			ProviderName: "summarize_text",
			Desc:         "Condense a document or conversation into key points",
			Agents:       []string{"researcher", "assistant"},
			Handle:       keywordMatch("summarize_text", "summarize", "summary", "condense"),
		},
		&FuncProvider{
			ProviderName: "extract_entities",
			Desc:         "Extract names, dates, and organizations from text",
			Agents:       []string{"researcher", "analyst"},
			Handle:       keywordMatch("extract_entities", "extract", "entities", "entity"),
		},
		&FuncProvider{
			ProviderName: "schedule_task",
			Desc:         "Create one-time or recurring scheduled tasks",
			Agents:       []string{"assistant", "planner"},
			Handle:       keywordMatch("schedule_task", "schedule", "remind", "calendar"),
		},
	}
}
