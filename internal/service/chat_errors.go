package service

import (
	"errors"
	"fmt"
)

// ChatErrorKind classifies failures reported to a chat client.
type ChatErrorKind string

const (
	ChatErrUnauthorized ChatErrorKind = "unauthorized"
	ChatErrValidation   ChatErrorKind = "validation"
	ChatErrPersistence  ChatErrorKind = "persistence"
	ChatErrRateLimited  ChatErrorKind = "rate_limited"
)

var (
	// ErrChatNotMember indicates the caller does not belong to the requested room or conversation.
	ErrChatNotMember = errors.New("not a member of this channel")
	// ErrChatShuttingDown indicates the service no longer admits sessions.
	ErrChatShuttingDown = errors.New("chat service is shutting down")
)

// ChatError is the failure of a single client event. Only Kind and Message reach the client.
type ChatError struct {
	Kind    ChatErrorKind
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

func newChatError(kind ChatErrorKind, message string, err error) *ChatError {
	return &ChatError{Kind: kind, Message: message, Err: err}
}

func unauthorized(message string) *ChatError {
	return newChatError(ChatErrUnauthorized, message, nil)
}

func invalid(message string, err error) *ChatError {
	return newChatError(ChatErrValidation, message, err)
}

func persistenceFailure(message string, err error) *ChatError {
	return newChatError(ChatErrPersistence, message, err)
}
