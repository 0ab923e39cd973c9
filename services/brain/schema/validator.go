// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/brain/services/brain/brainerr"
)

// ValidationError names a field and the constraint it violated.
//
// Raw user values are deliberately absent: these errors are logged at
// production levels and must not echo file contents.
type ValidationError struct {
	// Field is the dotted path of the offending field, e.g.
	// "projects.api.memories_path".
	Field string

	// Constraint names the violated rule, e.g. "required" or "gte=100".
	Constraint string
}

// Error returns "field: violated constraint".
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: violated %s", e.Field, e.Constraint)
}

// Result aggregates the outcome of a schema validation pass.
type Result struct {
	Valid  bool
	Errors []ValidationError
}

// Err converts a failed result into a single brainerr error, or nil for
// a valid result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return brainerr.Newf(brainerr.KindSchemaViolation, "%d schema violation(s): %v", len(r.Errors), msgs)
}

// Validator validates parsed config documents against the Brain schema.
//
// # Thread Safety
//
// Validator is safe for concurrent use; the underlying go-playground
// validator caches struct metadata behind its own lock.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the Brain schema rules installed.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	return &Validator{validate: v}
}

// Validate checks a config document against the schema.
//
// # Description
//
// Runs the struct-tag rules (version stamp, enums, numeric bounds,
// required fields) plus the project-name rules that tags cannot express.
// Does not touch the filesystem and does not apply path policy; callers
// run the paths validator separately.
//
// # Inputs
//
//   - cfg: A parsed config. Callers normalize before validating.
//
// # Outputs
//
//   - Result: Valid=true with no errors, or Valid=false with one entry
//     per violated constraint.
func (v *Validator) Validate(cfg *Config) Result {
	var result Result

	if err := v.validate.Struct(cfg); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			result.Errors = append(result.Errors, ValidationError{
				Field:      "config",
				Constraint: "not a struct",
			})
		}
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				result.Errors = append(result.Errors, ValidationError{
					Field:      jsonFieldPath(fe),
					Constraint: constraintName(fe),
				})
			}
		}
	}

	for name := range cfg.Projects {
		if !ValidProjectName(name) {
			result.Errors = append(result.Errors, ValidationError{
				Field:      "projects",
				Constraint: "project name rules (non-empty, no separators, no '..', no NUL)",
			})
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// jsonFieldPath converts a validator namespace like
// "Config.Projects[api].MemoriesPath" into "projects[api].memories_path".
//
// go-playground reports Go field names; the config surface is JSON, so
// errors must name JSON fields. The mapping here is mechanical: strip the
// root struct, snake-case each segment.
func jsonFieldPath(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	// Drop the leading "Config." segment.
	if idx := strings.IndexByte(ns, '.'); idx >= 0 {
		ns = ns[idx+1:]
	}
	isUpper := func(c byte) bool { return c >= 'A' && c <= 'Z' }
	out := make([]byte, 0, len(ns)+8)
	for i := 0; i < len(ns); i++ {
		c := ns[i]
		if isUpper(c) {
			if i > 0 && ns[i-1] != '.' && ns[i-1] != '[' && !isUpper(ns[i-1]) {
				out = append(out, '_')
			}
			out = append(out, c+('a'-'A'))
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// constraintName renders the violated tag with its parameter, if any.
func constraintName(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}
