package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that an entity already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates a project status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStageInProgress indicates that the same stage (or another writer of its result field)
	// is already outstanding for the project.
	ErrStageInProgress = errors.New("stage already in progress")

	// ErrInUse indicates that an entity cannot be changed while a running stage depends on it.
	ErrInUse = errors.New("in use")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that an external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrEmptyModelResponse indicates that the model adapter returned its empty sentinel.
	ErrEmptyModelResponse = errors.New("model returned an empty or malformed response")

	// ErrStaleTask indicates a task queued for a run the project has since left.
	ErrStaleTask = errors.New("stale task")

	// ErrMetadataUnavailable indicates that article details could not be fetched.
	ErrMetadataUnavailable = errors.New("article metadata unavailable")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// AlreadyExistsError provides details about a duplicate entity.
type AlreadyExistsError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *AlreadyExistsError) Unwrap() error {
	return ErrAlreadyExists
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	ProjectID string
	From      ProjectStatus
	To        ProjectStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("project %s: cannot move from %s to %s", e.ProjectID, e.From, e.To)
}

// Unwrap returns ErrStageInProgress when the project is busy, ErrInvalidTransition otherwise.
func (e *TransitionError) Unwrap() error {
	if e.From.IsInProgress() && e.To.IsInProgress() {
		return ErrStageInProgress
	}
	return ErrInvalidTransition
}

// StageFailedError carries the user-visible reason a stage could not start or finish.
type StageFailedError struct {
	Stage  Stage
	Reason string
}

// Error implements the error interface.
func (e *StageFailedError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Reason)
}

// RateLimitError provides details about a rate limit error.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: retry after %s", e.Source, e.RetryAfter)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// ExternalAPIError provides details about an external API error.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(entity, id string) *AlreadyExistsError {
	return &AlreadyExistsError{Entity: entity, ID: id}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(projectID string, from, to ProjectStatus) *TransitionError {
	return &TransitionError{ProjectID: projectID, From: from, To: to}
}

// NewStageFailedError creates a new StageFailedError.
func NewStageFailedError(stage Stage, reason string) *StageFailedError {
	return &StageFailedError{Stage: stage, Reason: reason}
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(source string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{Source: source, RetryAfter: retryAfter}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}
