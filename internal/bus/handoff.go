package bus

import "strings"

// HandoffRule hands control to another role when a message from FromRole
// matches. Rules are evaluated in order; the first match wins, so the rule
// list is deterministic for a given message.
type HandoffRule struct {
	Trigger     string
	FromRole    Role
	ToRole      Role
	MessageType MessageType
	Match       func(content string) bool
}

func containsAll(content string, words ...string) bool {
	for _, word := range words {
		if !strings.Contains(content, word) {
			return false
		}
	}
	return true
}

func containsAny(content string, words ...string) bool {
	for _, word := range words {
		if strings.Contains(content, word) {
			return true
		}
	}
	return false
}

// DefaultHandoffRules mirrors the built-in collaboration flow between a
// frontend and a backend agent.
func DefaultHandoffRules() []HandoffRule {
	return []HandoffRule{
		{
			Trigger:     "api_implementation_complete",
			FromRole:    RoleBackend,
			ToRole:      RoleFrontend,
			MessageType: TypeHandoff,
			Match: func(content string) bool {
				return containsAll(content, "implementation completed", "api")
			},
		},
		{
			Trigger:     "frontend_integration_request",
			FromRole:    RoleFrontend,
			ToRole:      RoleBackend,
			MessageType: TypeHandoff,
			Match: func(content string) bool {
				return containsAny(content, "need api", "backend for", "implement endpoint")
			},
		},
		{
			Trigger:     "ui_components_complete",
			FromRole:    RoleFrontend,
			ToRole:      RoleBackend,
			MessageType: TypeHandoff,
			Match: func(content string) bool {
				return containsAny(content, "ui completed", "components ready")
			},
		},
		{
			Trigger:     "review_request",
			FromRole:    RoleFrontend,
			ToRole:      RoleBackend,
			MessageType: TypeReview,
			Match: func(content string) bool {
				return containsAny(content, "review", "check", "validate")
			},
		},
	}
}

// HandoffDecision is the outcome of evaluating the rule list.
type HandoffDecision struct {
	Required    bool
	NextRole    Role
	Reason      string
	MessageType MessageType
}

// EvaluateHandoff runs the rules against a message from currentRole. Content
// matching is case-insensitive.
func EvaluateHandoff(rules []HandoffRule, msg *Message, currentRole Role) HandoffDecision {
	if msg == nil || currentRole == "" {
		return HandoffDecision{}
	}
	lower := strings.ToLower(msg.Content)
	for _, rule := range rules {
		if rule.FromRole != currentRole {
			continue
		}
		if rule.Match != nil && rule.Match(lower) {
			return HandoffDecision{
				Required:    true,
				NextRole:    rule.ToRole,
				Reason:      rule.Trigger,
				MessageType: rule.MessageType,
			}
		}
	}
	return HandoffDecision{}
}
