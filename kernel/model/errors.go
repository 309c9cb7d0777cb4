package model

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorClass orders failures by severity; a run exits with the code of the worst class seen.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassIntegration
	ClassInstance
	ClassTimeout
	ClassResource
	ClassValidation
	ClassInternal
)

var classNames = map[ErrorClass]string{
	ClassNone:        "none",
	ClassIntegration: "IntegrationError",
	ClassInstance:    "InstanceError",
	ClassTimeout:     "TimeoutError",
	ClassResource:    "ResourceError",
	ClassValidation:  "ValidationError",
	ClassInternal:    "InternalError",
}

var classExitCodes = map[ErrorClass]int{
	ClassNone:        0,
	ClassInternal:    1,
	ClassValidation:  2,
	ClassResource:    3,
	ClassTimeout:     4,
	ClassInstance:    5,
	ClassIntegration: 6,
}

func (c ErrorClass) String() string {
	if name, found := classNames[c]; found {
		return name
	}
	return fmt.Sprintf("ErrorClass(%d)", int(c))
}

func (c ErrorClass) ExitCode() int {
	if code, found := classExitCodes[c]; found {
		return code
	}
	return 1
}

// Error is a classified failure reported by a component.
type Error struct {
	Class     ErrorClass
	Component string
	Instance  string
	Err       error
}

func (e *Error) Error() string {
	prefix := e.Class.String()
	if e.Component != "" {
		prefix += " [" + e.Component + "]"
	}
	if e.Instance != "" {
		prefix += " (" + e.Instance + ")"
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(class ErrorClass, component, instance string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return &Error{Class: class, Component: component, Instance: instance, Err: err}
}

func Validation(component string, err error) error {
	return newError(ClassValidation, component, "", err)
}

func Validationf(component, format string, args ...any) error {
	return Validation(component, errors.Errorf(format, args...))
}

func Resource(component string, err error) error {
	return newError(ClassResource, component, "", err)
}

func InstanceFailure(instance string, err error) error {
	return newError(ClassInstance, "supervisor", instance, err)
}

func IntegrationFailure(name string, err error) error {
	return newError(ClassIntegration, "integration", "", errors.Wrapf(err, "integration [%s]", name))
}

func Timeout(phase Phase, err error) error {
	return newError(ClassTimeout, string(phase), "", err)
}

// ClassOf resolves the class of err through any wrapping.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassInternal
}

// Worst returns the higher-severity of two classes.
func Worst(a, b ErrorClass) ErrorClass {
	if b > a {
		return b
	}
	return a
}
