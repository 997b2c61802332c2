package models

// ValidationError signals a malformed or incomplete subscription or
// request. The message is safe to return to the client.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Invalid builds a ValidationError with the given client-facing message.
func Invalid(message string) error {
	return &ValidationError{Message: message}
}
