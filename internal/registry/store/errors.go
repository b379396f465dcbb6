package store

import "fmt"

// NotFoundError indicates a referenced user, app, or memory does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// InactiveAppError indicates a write was attempted by a paused application.
type InactiveAppError struct {
	AppName string
}

func (e *InactiveAppError) Error() string {
	return fmt.Sprintf("app %s is paused and cannot write memories", e.AppName)
}

// InvalidFilterError indicates a malformed filter: unknown sort column, bad
// date range, unknown filter key, or an out-of-range pagination value.
type InvalidFilterError struct {
	Field   string
	Message string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness violation or an unexpected concurrent
// state change detected by an optimistic check.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
