package policy

import (
	"github.com/upb/llm-gateway/models"
)

// Action is what a matching rule does to the request
type Action string

const (
	// ActionDeny rejects the request; evaluation stops
	ActionDeny Action = "deny"

	// ActionAllow admits the request; remaining rules are skipped
	ActionAllow Action = "allow"

	// ActionWarn records a warning and continues evaluation
	ActionWarn Action = "warn"
)

// Match is the predicate side of a rule. All set fields must hold for
// the rule to fire (AND); an empty Match never fires.
type Match struct {
	// Identities matches when the caller identity is in the set
	Identities []string `mapstructure:"identities" json:"identities,omitempty"`

	// Models matches exact names or a trailing-star glob ("gemini-*")
	Models []string `mapstructure:"models" json:"models,omitempty"`

	// MaxTokensOver matches requests asking for more than this many tokens
	MaxTokensOver int `mapstructure:"max_tokens_over" json:"max_tokens_over,omitempty"`

	// PromptLongerThan matches prompts over this many characters
	PromptLongerThan int `mapstructure:"prompt_longer_than" json:"prompt_longer_than,omitempty"`

	// TemperatureAbove matches requests with temperature above this value
	TemperatureAbove float64 `mapstructure:"temperature_above" json:"temperature_above,omitempty"`

	// PromptMatches is a regular expression evaluated against the prompt
	PromptMatches string `mapstructure:"prompt_matches" json:"prompt_matches,omitempty"`
}

// Rule pairs a predicate with an action and a deny reason. Rules
// evaluate in configuration order; the first deny wins.
type Rule struct {
	Match  Match  `mapstructure:"match" json:"match"`
	Action Action `mapstructure:"action" json:"action"`
	Reason string `mapstructure:"reason" json:"reason"`
}

// Guardrails are the built-in checks evaluated after the configured
// rules. Zero values fall back to the documented defaults; Disabled
// turns all of them off.
type Guardrails struct {
	Disabled bool `mapstructure:"disabled" json:"disabled,omitempty"`

	// MaxTokensPerRequest caps requested completion tokens (default 8192)
	MaxTokensPerRequest int `mapstructure:"max_tokens_per_request" json:"max_tokens_per_request,omitempty"`

	// MaxPromptChars caps prompt length (default 100000)
	MaxPromptChars int `mapstructure:"max_prompt_chars" json:"max_prompt_chars,omitempty"`

	// AuthorizedIdentities, when non-empty, is an allowlist of callers
	AuthorizedIdentities []string `mapstructure:"authorized_identities" json:"authorized_identities,omitempty"`

	// WarnOnSecrets screens prompts for credential material and attaches
	// a warning per finding (default on)
	WarnOnSecrets *bool `mapstructure:"warn_on_secrets" json:"warn_on_secrets,omitempty"`
}

// Guardrail defaults
const (
	DefaultMaxTokensPerRequest = 8192
	DefaultMaxPromptChars      = 100000
)

// Decision is the outcome of evaluating one request against the ruleset
type Decision struct {
	// Allowed reports whether the request may proceed
	Allowed bool

	// Reason explains a denial
	Reason string

	// Warnings carries non-fatal notes (warn rules, clamped parameters,
	// secret findings)
	Warnings []string

	// Params are the request parameters after normalization (temperature
	// clamped into [0,1], deterministic requests forced to 0)
	Params models.Params
}
