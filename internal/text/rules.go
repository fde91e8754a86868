// Package text implements the free-text case narrative signal source.
package text

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// RuleEngine matches case narratives against regex lexicons. Each rule may
// carry a CEL guard deciding whether it applies to a case.
type RuleEngine struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules []*CompiledRule // evaluation order is load order
}

// CompiledRule holds a compiled pattern and optional guard program.
type CompiledRule struct {
	Config  domain.TextRule
	Pattern *regexp.Regexp
	Guard   cel.Program
}

// RuleInput is the case context visible to rule guards.
type RuleInput struct {
	Text         string
	Channel      string
	Language     string
	CustomerID   string
	ContactCount int64
}

// DefaultRules returns the shipped lexicons, one per text reason code.
func DefaultRules() []domain.TextRule {
	return []domain.TextRule{
		{
			ID:          "distress-001",
			Description: "Customer expresses stress or anxiety",
			Reason:      domain.ReasonDistressLanguage,
			Pattern:     `\b(stressed|anxious|panic|overwhelmed)\b`,
			Enabled:     true,
		},
		{
			ID:          "repeat-complaint-001",
			Description: "Customer reports contacting more than once",
			Reason:      domain.ReasonRepeatComplaint,
			Pattern:     `\b(complained\s+twice|again|multiple\s+times)\b`,
			Enabled:     true,
		},
		{
			ID:          "misleading-001",
			Description: "Customer reports being given wrong or unexplained information",
			Reason:      domain.ReasonMisleadingInformation,
			Pattern:     `\b(told\s+me\s+wrong|misled|not\s+explained)\b`,
			Enabled:     true,
		},
	}
}

// NewRuleEngine creates a rule engine and loads rules.
func NewRuleEngine(rules []domain.TextRule) (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("channel", cel.StringType),
		cel.Variable("language", cel.StringType),
		cel.Variable("customer_id", cel.StringType),
		cel.Variable("contact_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &RuleEngine{env: env}
	if err := e.ReloadRules(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateRule compiles a rule without loading it.
func (e *RuleEngine) ValidateRule(rule domain.TextRule) error {
	_, err := e.compileRule(rule)
	return err
}

// ReloadRules replaces every loaded rule. Disabled rules are skipped.
// On error the previous rules stay loaded.
func (e *RuleEngine) ReloadRules(rules []domain.TextRule) error {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		c, err := e.compileRule(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *RuleEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Match returns every lexicon hit in rule order, then position order.
// A guard evaluation error skips that rule and is reported alongside the matches.
func (e *RuleEngine) Match(in RuleInput) ([]domain.RuleMatch, error) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	activation := map[string]any{
		"channel":       in.Channel,
		"language":      in.Language,
		"customer_id":   in.CustomerID,
		"contact_count": in.ContactCount,
	}

	var matches []domain.RuleMatch
	var guardErr error
	for _, r := range rules {
		if r.Guard != nil {
			out, _, err := r.Guard.Eval(activation)
			if err != nil {
				guardErr = fmt.Errorf("rule %s guard: %w", r.Config.ID, err)
				continue
			}
			if b, ok := out.(types.Bool); !ok || !bool(b) {
				continue
			}
		}
		for _, loc := range r.Pattern.FindAllStringIndex(in.Text, -1) {
			matches = append(matches, domain.RuleMatch{
				RuleID:      r.Config.ID,
				Reason:      r.Config.Reason,
				Start:       loc[0],
				End:         loc[1],
				MatchedText: in.Text[loc[0]:loc[1]],
			})
		}
	}
	return matches, guardErr
}

func (e *RuleEngine) compileRule(rule domain.TextRule) (*CompiledRule, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if !rule.Reason.Valid() {
		return nil, fmt.Errorf("rule %s: unknown reason %q", rule.ID, rule.Reason)
	}

	pattern, err := regexp.Compile("(?i)" + rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern for rule %s: %w", rule.ID, err)
	}

	compiled := &CompiledRule{Config: rule, Pattern: pattern}
	if rule.Condition == "" {
		return compiled, nil
	}

	ast, issues := e.env.Compile(rule.Condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guard for rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: guard must return bool, got %s", rule.ID, ast.OutputType())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}
	compiled.Guard = program
	return compiled, nil
}
