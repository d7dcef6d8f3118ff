package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is
// neither built in nor offered by a connected MCP server. It signals a
// capability mismatch, not a transient failure, so callers should not
// retry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
