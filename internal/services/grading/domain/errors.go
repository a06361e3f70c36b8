package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig classifies configuration errors. They are fatal for the
	// affected assignment or course group until configuration changes.
	ErrConfig = errors.New("configuration error")
	// ErrVerification classifies post-write checks that found the external
	// system in a different state than the write should have produced.
	ErrVerification = errors.New("verification failed")
	// ErrEngine classifies grading engine failures.
	ErrEngine = errors.New("grading engine error")
	// ErrNoSubmission indicates a snapshot holds no work for a student.
	ErrNoSubmission = errors.New("no submission in snapshot")
	// ErrNotConfigured indicates a missing collaborator.
	ErrNotConfigured = errors.New("collaborator is not configured")
)

// ConfigError describes an invalid course or assignment configuration.
type ConfigError struct {
	Subject string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

// Is matches ErrConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// NewConfigError builds a ConfigError.
func NewConfigError(subject string, format string, args ...any) error {
	return &ConfigError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// VerificationKind names the write whose post-condition failed.
type VerificationKind string

const (
	VerifyOverrideUpload VerificationKind = "override upload"
	VerifyOverrideRemove VerificationKind = "override remove"
	VerifySnapshot       VerificationKind = "snapshot"
	VerifyGradeUpload    VerificationKind = "grade upload"
	VerifyArtifact       VerificationKind = "artifact"
)

// VerificationError reports a post-condition mismatch. It is distinct from the
// call that produced it: the call succeeded but the result was not observed.
type VerificationError struct {
	Kind    VerificationKind
	Subject string
	Detail  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s verification failed for %s: %s", e.Kind, e.Subject, e.Detail)
}

// Is matches ErrVerification.
func (e *VerificationError) Is(target error) bool {
	return target == ErrVerification
}

// NewVerificationError builds a VerificationError.
func NewVerificationError(kind VerificationKind, subject string, format string, args ...any) error {
	return &VerificationError{Kind: kind, Subject: subject, Detail: fmt.Sprintf(format, args...)}
}

// EngineError wraps a grading engine failure for one operation.
type EngineError struct {
	Op    string
	Cause error
}

func (e *EngineError) Error() string {
	if e.Cause == nil {
		return "grading engine " + e.Op + " failed"
	}
	return fmt.Sprintf("grading engine %s: %v", e.Op, e.Cause)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches ErrEngine.
func (e *EngineError) Is(target error) bool {
	return target == ErrEngine
}

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as not retryable within a pass.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was marked with Permanent, or is a
// configuration or verification error.
func IsPermanent(err error) bool {
	var target permanentError
	if errors.As(err, &target) {
		return true
	}
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrVerification)
}

// Failure is one error isolated to a subject during a pass.
type Failure struct {
	Subject string
	Err     error
}

// Report collects isolated failures so one submission cannot abort siblings.
type Report struct {
	Processed int
	Failures  []Failure
}

// Fail records err against subject. Nil errors are ignored.
func (r *Report) Fail(subject string, err error) {
	if err == nil {
		return
	}
	r.Failures = append(r.Failures, Failure{Subject: subject, Err: err})
}

// Merge appends other's results to r.
func (r *Report) Merge(other Report) {
	r.Processed += other.Processed
	r.Failures = append(r.Failures, other.Failures...)
}

// Err joins every failure into a single error, or nil when none occurred.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Subject, f.Err))
	}
	return errors.Join(errs...)
}
