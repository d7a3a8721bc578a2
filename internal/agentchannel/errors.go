package agentchannel

import "errors"

// Agent channel errors. The HTTP layer maps them to status codes.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrDuplicateBinding = errors.New("target already bound to another agent")
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrRevoked          = errors.New("agent revoked")
	ErrSchemaViolation  = errors.New("schema violation")
	ErrNoSubmission     = errors.New("no submission received")
)
