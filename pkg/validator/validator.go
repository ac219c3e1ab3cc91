package validator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/aegislabs/aiguard/pkg/config"
	"github.com/aegislabs/aiguard/pkg/types"
)

const RedactionMarker = "[REDACTED]"

type InjectionType string

const (
	PromptOverride    InjectionType = "prompt_override"
	TemplateInjection InjectionType = "template"
	CommandInjection  InjectionType = "command"
)

var injectionPatterns = map[InjectionType]*regexp.Regexp{
	PromptOverride: regexp.MustCompile(`(?i)(` +
		`ignore\s+(?:all\s+)?(?:previous|prior|above)\s+instructions|` +
		`disregard\s+(?:all\s+)?(?:previous|prior)\s+(?:instructions|rules)|` +
		`reveal\s+(?:your\s+)?system\s+prompt|` +
		`you\s+are\s+now\s+in\s+developer\s+mode` +
		`)`),

	TemplateInjection: regexp.MustCompile(`(?i)(` +
		`\{\{.*?\}\}|` +
		`<%.*?%>|` +
		`__proto__|constructor\s*\[|prototype\s*\[` +
		`)`),

	CommandInjection: regexp.MustCompile(`(?i)(` +
		`[;&|]\s*(?:rm|curl|wget|nc|netcat)\s+-|` +
		`system\s*\(|exec\s*\(|shell_exec\s*\(|` +
		`IEX\s*\(|Invoke-Expression` +
		`)`),
}

var injectionOrder = []InjectionType{PromptOverride, TemplateInjection, CommandInjection}

type Result struct {
	Valid  bool
	Kind   types.ViolationKind
	Reason string
}

func ok() Result {
	return Result{Valid: true}
}

func rejected(kind types.ViolationKind, reason string) Result {
	return Result{Kind: kind, Reason: reason}
}

// Validator inspects outbound prompts before they reach the provider and
// redacts sensitive parameter keys before they reach the audit log. The
// actual call always receives the original, unredacted parameters.
type Validator struct {
	maxPromptLength int
	blockedKeywords []string
	sensitiveKeys   map[string]struct{}
}

func NewValidator(cfg config.SafeguardConfig) *Validator {
	sensitive := make(map[string]struct{}, len(cfg.SensitiveParameterKeys))
	for _, key := range cfg.SensitiveParameterKeys {
		sensitive[strings.ToLower(key)] = struct{}{}
	}
	keywords := make([]string, 0, len(cfg.BlockedKeywords))
	for _, kw := range cfg.BlockedKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return &Validator{
		maxPromptLength: cfg.MaxPromptLength,
		blockedKeywords: keywords,
		sensitiveKeys:   sensitive,
	}
}

// Validate runs the checks in order and short-circuits on the first failure:
// non-empty, length ceiling, blocked keywords (case-folded), injection
// heuristics.
func (v *Validator) Validate(prompt string) Result {
	if strings.TrimSpace(prompt) == "" {
		return rejected(types.ViolationInvalidRequest, "prompt cannot be empty")
	}
	if utf8.RuneCountInString(prompt) > v.maxPromptLength {
		return rejected(types.ViolationInvalidRequest,
			fmt.Sprintf("prompt exceeds maximum length of %d", v.maxPromptLength))
	}

	folded := strings.ToLower(prompt)
	for _, keyword := range v.blockedKeywords {
		if strings.Contains(folded, keyword) {
			return rejected(types.ViolationBlockedKeyword,
				fmt.Sprintf("prompt contains blocked keyword: %s", keyword))
		}
	}

	for _, injType := range injectionOrder {
		if injectionPatterns[injType].MatchString(prompt) {
			return rejected(types.ViolationInvalidRequest,
				fmt.Sprintf("prompt matches %s injection pattern", injType))
		}
	}

	return ok()
}

// Redact returns a shallow copy of params with sensitive keys replaced by
// the redaction marker. Key matching is case-insensitive. Deterministic:
// redacting the same map twice yields identical output.
func (v *Validator) Redact(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	redacted := make(map[string]interface{}, len(params))
	for key, value := range params {
		if _, sensitive := v.sensitiveKeys[strings.ToLower(key)]; sensitive {
			redacted[key] = RedactionMarker
			continue
		}
		redacted[key] = value
	}
	return redacted
}
