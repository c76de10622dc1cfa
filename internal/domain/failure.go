package domain

import (
	"context"
	"errors"
	"strings"
)

// FailureClass names the kind of fault that ended a job.
type FailureClass string

const (
	FailureIO       FailureClass = "IOError"
	FailureStore    FailureClass = "StoreError"
	FailureParse    FailureClass = "ParseError"
	FailureEnqueue  FailureClass = "EnqueueError"
	FailureCanceled FailureClass = "Canceled"
	FailureUnknown  FailureClass = "UnknownError"
)

func (c FailureClass) String() string { return string(c) }

// JobFailure tags a job-fatal error with its class.
type JobFailure struct {
	Class FailureClass
	Err   error
}

func NewJobFailure(class FailureClass, err error) *JobFailure {
	return &JobFailure{Class: class, Err: err}
}

func (e *JobFailure) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 2)
	parts = append(parts, strings.ToLower(string(e.Class)))
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *JobFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassifyFailure returns the class carried by err, falling back to
// Canceled for context errors and UnknownError otherwise.
func ClassifyFailure(err error) FailureClass {
	if err == nil {
		return ""
	}

	var failure *JobFailure
	if errors.As(err, &failure) && failure.Class != "" {
		return failure.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureCanceled
	}
	return FailureUnknown
}
