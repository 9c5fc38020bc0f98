package beacon

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("Error in scope %s: %s (code: %d)", e.Scope, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Scope:     e.Scope,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(scope, message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusBadRequest,
		Scope:   scope,
	}
}

func notFound(scope, message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusNotFound,
		Scope:   scope,
	}
}

func conflict(scope, message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusConflict,
		Scope:   scope,
	}
}

func unauthorized(scope, message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusUnauthorized,
		Scope:   scope,
	}
}

func forbidden(scope, message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusForbidden,
		Scope:   scope,
	}
}

func internal(scope, message string) *Error {
	return &Error{
		Message: message,
		Code:    StatusInternalServerError,
		Scope:   scope,
	}
}

func unavailable(scope, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusServiceUnavailable,
		Scope:     scope,
		Temporary: true,
	}
}

func timeout(scope, message string) *Error {
	return &Error{
		Message:   message,
		Code:      StatusGatewayTimeout,
		Scope:     scope,
		Temporary: true,
	}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}

func errorEvent(err error) *Event {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		message := e.Message
		if e.cause != nil {
			message = e.cause.Error()
		}
		return &Event{
			Action:    system,
			Scope:     e.Scope,
			RequestId: uuid.NewString(),
			Event:     string(internalErrorEvent),
			Payload: map[string]interface{}{
				"code":      e.Code,
				"details":   e.Details,
				"temporary": e.Temporary,
				"message":   message,
			},
		}
	}

	return &Event{
		Action:    system,
		Scope:     string(gatewayEntity),
		RequestId: uuid.NewString(),
		Event:     string(internalErrorEvent),
		Payload: map[string]interface{}{
			"message": err.Error(),
		},
	}
}
