package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Remark is one validation finding. Code is an opaque identifier that a
// front end may translate; Args fill its message.
type Remark struct {
	Severity  Severity
	Code      string
	Transform string
	Args      []any
}

func OK(transform, code string, args ...any) Remark {
	return Remark{Severity: SeverityOK, Code: code, Transform: transform, Args: args}
}

func Warning(transform, code string, args ...any) Remark {
	return Remark{Severity: SeverityWarning, Code: code, Transform: transform, Args: args}
}

func Error(transform, code string, args ...any) Remark {
	return Remark{Severity: SeverityError, Code: code, Transform: transform, Args: args}
}

func (r Remark) String() string {
	var b strings.Builder
	b.WriteString(r.Severity.String())
	if r.Transform != "" {
		b.WriteString(" ")
		b.WriteString(r.Transform)
	}
	b.WriteString(": ")
	b.WriteString(r.Code)
	if len(r.Args) > 0 {
		fmt.Fprintf(&b, " %v", r.Args)
	}
	return b.String()
}

// Diagnostics keeps remarks in the order they were found.
type Diagnostics []Remark

func (d Diagnostics) HasErrors() bool {
	for _, r := range d {
		if r.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (d Diagnostics) Filter(min Severity) Diagnostics {
	var out Diagnostics
	for _, r := range d {
		if r.Severity >= min {
			out = append(out, r)
		}
	}
	return out
}

// Err joins the error remarks into ConfigurationErrors, or returns nil.
func (d Diagnostics) Err() error {
	var errs []error
	for _, r := range d.Filter(SeverityError) {
		errs = append(errs, &ConfigurationError{Transform: r.Transform, Code: r.Code, Err: errors.New(r.String())})
	}
	return errors.Join(errs...)
}
