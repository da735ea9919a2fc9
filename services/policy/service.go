package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
)

// compiledRule is a rule with its expensive parts resolved
type compiledRule struct {
	rule       Rule
	identities map[string]struct{}
	prompt     *regexp.Regexp
}

// ruleset is an immutable compiled snapshot. Evaluation always runs
// against one snapshot, so a concurrent ruleset swap never affects an
// in-flight request.
type ruleset struct {
	rules      []compiledRule
	guardrails Guardrails
	authorized map[string]struct{}
}

// PolicyService evaluates ordered policy rules against requests before
// any network cost is incurred. Evaluation is deterministic and free of
// side effects; rule changes apply to subsequent requests only.
type PolicyService struct {
	snapshot atomic.Pointer[ruleset]
	logger   *zap.Logger
}

// NewPolicyService compiles the configured rules and guardrails.
// A rule that fails to compile is a configuration error at startup.
func NewPolicyService(rules []Rule, guardrails Guardrails, logger *zap.Logger) (*PolicyService, error) {
	s := &PolicyService{logger: logger}
	if err := s.Update(rules, guardrails); err != nil {
		return nil, err
	}
	return s, nil
}

// Update swaps in a new compiled ruleset. In-flight evaluations keep
// the snapshot they started with.
func (s *PolicyService) Update(rules []Rule, guardrails Guardrails) error {
	compiled, err := compile(rules, guardrails)
	if err != nil {
		return err
	}

	s.snapshot.Store(compiled)
	s.logger.Info("policy ruleset updated",
		zap.Int("rules", len(rules)),
		zap.Bool("guardrails", !guardrails.Disabled))
	return nil
}

// Evaluate runs the request through the ordered rules and then the
// built-in guardrails. The first matching deny wins; a matching allow
// skips the remaining configured rules but not the guardrails.
func (s *PolicyService) Evaluate(spec models.RequestSpec) *Decision {
	snap := s.snapshot.Load()

	decision := &Decision{
		Allowed: true,
		Params:  spec.Params,
	}

	for i := range snap.rules {
		cr := &snap.rules[i]
		if !cr.matches(spec) {
			continue
		}

		switch cr.rule.Action {
		case ActionDeny:
			decision.Allowed = false
			decision.Reason = cr.rule.Reason
			return decision
		case ActionAllow:
			s.applyGuardrails(snap, spec, decision)
			return decision
		case ActionWarn:
			decision.Warnings = append(decision.Warnings, cr.rule.Reason)
		}
	}

	s.applyGuardrails(snap, spec, decision)
	return decision
}

// applyGuardrails runs the built-in checks and parameter normalization
func (s *PolicyService) applyGuardrails(snap *ruleset, spec models.RequestSpec, decision *Decision) {
	g := snap.guardrails
	if g.Disabled {
		s.normalize(spec, decision)
		return
	}

	if len(snap.authorized) > 0 {
		if _, ok := snap.authorized[spec.Identity]; !ok {
			decision.Allowed = false
			decision.Reason = fmt.Sprintf("identity %q is not authorized", spec.Identity)
			return
		}
	}

	maxTokens := g.MaxTokensPerRequest
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokensPerRequest
	}
	if spec.Params.MaxTokens > maxTokens {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("max_tokens %d exceeds the per-request ceiling of %d", spec.Params.MaxTokens, maxTokens)
		return
	}

	maxChars := g.MaxPromptChars
	if maxChars == 0 {
		maxChars = DefaultMaxPromptChars
	}
	if len(spec.Prompt) > maxChars {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf("prompt length %d exceeds the ceiling of %d characters", len(spec.Prompt), maxChars)
		return
	}

	if g.WarnOnSecrets == nil || *g.WarnOnSecrets {
		for _, finding := range DetectSecrets(spec.Prompt) {
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("prompt appears to contain a %s", finding.Description))
		}
	}

	s.normalize(spec, decision)
}

// normalize clamps parameters into their supported ranges. A clamp is a
// warning, not a denial.
func (s *PolicyService) normalize(spec models.RequestSpec, decision *Decision) {
	p := spec.Params

	if p.Deterministic && p.Temperature != 0 {
		p.Temperature = 0
		decision.Warnings = append(decision.Warnings, "deterministic request: temperature forced to 0")
	}
	if p.Temperature < 0 {
		p.Temperature = 0
		decision.Warnings = append(decision.Warnings, "temperature clamped to 0.0")
	}
	if p.Temperature > 1 {
		p.Temperature = 1
		decision.Warnings = append(decision.Warnings, "temperature clamped to 1.0")
	}

	decision.Params = p
}

// matches reports whether every set predicate field holds
func (cr *compiledRule) matches(spec models.RequestSpec) bool {
	m := cr.rule.Match
	matched := false

	if len(cr.identities) > 0 {
		if _, ok := cr.identities[spec.Identity]; !ok {
			return false
		}
		matched = true
	}
	if len(m.Models) > 0 {
		if !matchModel(m.Models, spec.Model) {
			return false
		}
		matched = true
	}
	if m.MaxTokensOver > 0 {
		if spec.Params.MaxTokens <= m.MaxTokensOver {
			return false
		}
		matched = true
	}
	if m.PromptLongerThan > 0 {
		if len(spec.Prompt) <= m.PromptLongerThan {
			return false
		}
		matched = true
	}
	if m.TemperatureAbove > 0 {
		if spec.Params.Temperature <= m.TemperatureAbove {
			return false
		}
		matched = true
	}
	if cr.prompt != nil {
		if !cr.prompt.MatchString(spec.Prompt) {
			return false
		}
		matched = true
	}

	return matched
}

// matchModel matches exact names or a trailing-star glob
func matchModel(patterns []string, model string) bool {
	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(model, prefix) {
				return true
			}
			continue
		}
		if p == model {
			return true
		}
	}
	return false
}

// compile validates and compiles rules into an immutable snapshot
func compile(rules []Rule, guardrails Guardrails) (*ruleset, error) {
	snap := &ruleset{
		rules:      make([]compiledRule, 0, len(rules)),
		guardrails: guardrails,
	}

	for i, rule := range rules {
		switch rule.Action {
		case ActionDeny, ActionAllow, ActionWarn:
		default:
			return nil, fmt.Errorf("%w: rule %d has unknown action %q", services.ErrInvalidRule, i, rule.Action)
		}
		if rule.Action != ActionAllow && rule.Reason == "" {
			return nil, fmt.Errorf("%w: rule %d needs a reason", services.ErrInvalidRule, i)
		}

		cr := compiledRule{rule: rule}

		if len(rule.Match.Identities) > 0 {
			cr.identities = make(map[string]struct{}, len(rule.Match.Identities))
			for _, id := range rule.Match.Identities {
				cr.identities[id] = struct{}{}
			}
		}

		if rule.Match.PromptMatches != "" {
			re, err := regexp.Compile(rule.Match.PromptMatches)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d prompt_matches: %v", services.ErrInvalidRule, i, err)
			}
			cr.prompt = re
		}

		snap.rules = append(snap.rules, cr)
	}

	if len(guardrails.AuthorizedIdentities) > 0 {
		snap.authorized = make(map[string]struct{}, len(guardrails.AuthorizedIdentities))
		for _, id := range guardrails.AuthorizedIdentities {
			snap.authorized[id] = struct{}{}
		}
	}

	return snap, nil
}
