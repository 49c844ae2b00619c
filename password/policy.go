package password

import (
	"fmt"
	"strings"
	"unicode"
)

// Rule names a policy check so callers can surface which requirement failed.
type Rule string

const (
	RuleMinLength Rule = "min_length"
	RuleUpper     Rule = "require_upper"
	RuleLower     Rule = "require_lower"
	RuleDigit     Rule = "require_digit"
	RuleSpecial   Rule = "require_special"
	RuleDenyList  Rule = "deny_list"
	RuleUsername  Rule = "contains_username"
)

// PolicyError reports the first policy rule a candidate password failed.
type PolicyError struct {
	Rule    Rule
	Message string
}

func (e *PolicyError) Error() string {
	return e.Message
}

// PolicyConfig toggles the individual strength checks. The zero value
// disables everything; use DefaultPolicyConfig for sane defaults.
type PolicyConfig struct {
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSpecial bool
	DenyList       []string
}

// DefaultPolicyConfig mirrors the default local-auth settings: eight
// characters minimum with mixed case and a digit, special optional.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinLength:    8,
		RequireUpper: true,
		RequireLower: true,
		RequireDigit: true,
	}
}

// Policy validates candidate passwords against configured strength rules.
// Checks run in a fixed order and validation stops at the first failure.
type Policy struct {
	cfg      PolicyConfig
	denySet  map[string]struct{}
	specials string
}

// NewPolicy builds a Policy from cfg. Deny-list entries are matched
// case-insensitively against the whole password.
func NewPolicy(cfg PolicyConfig) *Policy {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 8
	}

	deny := make(map[string]struct{}, len(cfg.DenyList))
	for _, entry := range cfg.DenyList {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			deny[entry] = struct{}{}
		}
	}

	return &Policy{
		cfg:      cfg,
		denySet:  deny,
		specials: "!@#$%^&*()-_=+[]{};:'\",.<>/?\\|`~",
	}
}

// Validate checks candidate against every enabled rule. username may be empty
// when no account context exists yet. The returned error, when non-nil, is a
// *PolicyError naming the first rule that failed.
func (p *Policy) Validate(candidate, username string) error {
	if len(candidate) < p.cfg.MinLength {
		return &PolicyError{
			Rule:    RuleMinLength,
			Message: fmt.Sprintf("password must be at least %d characters long", p.cfg.MinLength),
		}
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(p.specials, r):
			hasSpecial = true
		}
	}

	if p.cfg.RequireUpper && !hasUpper {
		return &PolicyError{Rule: RuleUpper, Message: "password must contain an uppercase letter"}
	}
	if p.cfg.RequireLower && !hasLower {
		return &PolicyError{Rule: RuleLower, Message: "password must contain a lowercase letter"}
	}
	if p.cfg.RequireDigit && !hasDigit {
		return &PolicyError{Rule: RuleDigit, Message: "password must contain a digit"}
	}
	if p.cfg.RequireSpecial && !hasSpecial {
		return &PolicyError{Rule: RuleSpecial, Message: "password must contain a special character"}
	}

	if _, denied := p.denySet[strings.ToLower(candidate)]; denied {
		return &PolicyError{Rule: RuleDenyList, Message: "password is too common"}
	}

	if username != "" && strings.Contains(strings.ToLower(candidate), strings.ToLower(username)) {
		return &PolicyError{Rule: RuleUsername, Message: "password must not contain the username"}
	}

	return nil
}
