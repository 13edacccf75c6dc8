package hub

import "errors"

// Category classifies an error for callers that render or route failures
// without inspecting the underlying cause.
type Category string

const (
	CategoryConnection       Category = "connection"
	CategoryHubCommunication Category = "hub_communication"
	CategoryCommandExecution Category = "command_execution"
	CategoryActivityStart    Category = "activity_start"
	CategoryActivityStop     Category = "activity_stop"
	CategoryState            Category = "state"
	CategoryValidation       Category = "validation"
	CategoryStorage          Category = "storage"
)

// Error is a categorized error. Err carries the underlying cause, if any.
type Error struct {
	Category Category
	Message  string
	Err      error
}

// NewError wraps cause with a category and message.
func NewError(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Category) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Category) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf returns the category of err, or "" when err carries none.
func CategoryOf(err error) Category {
	var he *Error
	if errors.As(err, &he) {
		return he.Category
	}
	return ""
}
