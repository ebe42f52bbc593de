package lifecycle

import (
	"strings"
	"unicode/utf8"

	"github.com/rileyseaburg/codetether/internal/taskcore"
)

// ValidateTitle validates a task's title field.
func ValidateTitle(title string) error {
	if utf8.RuneCountInString(title) > 200 {
		return taskcore.Invalid("title must be at most 200 characters")
	}
	return nil
}

// ValidateDescription validates a task's description (agent prompt) field.
func ValidateDescription(description string) error {
	n := utf8.RuneCountInString(description)
	if n < 10 || n > 10000 {
		return taskcore.Invalid("description must be between 10 and 10000 characters")
	}
	return nil
}

// ValidateAgentType validates a task's agent_type field.
func ValidateAgentType(agentType string) error {
	if !taskcore.ValidAgentType(agentType) {
		return taskcore.Invalid("unknown agent_type %q", agentType)
	}
	return nil
}

// ValidatePriority validates a task's priority field.
func ValidatePriority(priority int) error {
	if priority < 0 || priority > 100 {
		return taskcore.Invalid("priority must be between 0 and 100")
	}
	return nil
}

// ValidateCodebaseID validates that a codebase id is non-empty. Whether it
// must already exist (vs. auto-register) is decided by the caller, since
// that depends on the auto-registration config flag.
func ValidateCodebaseID(codebaseID string) error {
	if strings.TrimSpace(codebaseID) == "" {
		return taskcore.Invalid("codebase_id is required")
	}
	return nil
}
