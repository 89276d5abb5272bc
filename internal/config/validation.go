package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError describes one invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects every configuration problem so startup can report them
// all at once.
type Validator struct {
	errors []ValidationError
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

// AddError records a validation error.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Err returns nil when no errors were recorded, otherwise an error listing
// all of them.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return &Errors{List: v.errors}
}

// Errors is the combined validation failure returned by Load.
type Errors struct {
	List []ValidationError
}

func (e *Errors) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):", len(e.List))
	for i, err := range e.List {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, err.Error())
	}
	return sb.String()
}

// Required records an error when value is empty.
func (v *Validator) Required(key, value string) {
	if value == "" {
		v.AddError(key, "required environment variable not set")
	}
}

// URL validates that value is an absolute http(s) URL.
func (v *Validator) URL(key, value string) {
	if value == "" {
		return
	}

	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(key, "URL must use http or https scheme")
		return
	}
	if parsed.Host == "" {
		v.AddError(key, "URL must include a host")
	}
}

// Endpoint accepts either host:port or an http(s) URL without a path.
func (v *Validator) Endpoint(key, value string) {
	if value == "" {
		return
	}
	if !strings.Contains(value, "://") {
		return
	}
	v.URL(key, value)
	if parsed, err := url.Parse(value); err == nil && parsed.Path != "" && parsed.Path != "/" {
		v.AddError(key, "endpoint must not contain a path")
	}
}

// Port validates a TCP port number, with or without a leading colon.
func (v *Validator) Port(key, value string) {
	if value == "" {
		return
	}

	port, err := strconv.Atoi(strings.TrimPrefix(value, ":"))
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}

	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// Enum validates that value is one of allowed.
func (v *Validator) Enum(key, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}

	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// NonNegative validates n >= 0.
func (v *Validator) NonNegative(key string, n int64) {
	if n < 0 {
		v.AddError(key, "must not be negative")
	}
}
