package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// MaxComplexity is the highest complexity score accepted as passing
// evidence.
const MaxComplexity = 10

// BackpressureEvidence is the structured proof a build-done-class event
// must carry: every required check passed and complexity stayed under the
// ceiling.
type BackpressureEvidence struct {
	Tests       bool
	Lint        bool
	Typecheck   bool
	Audit       bool
	Coverage    bool
	Duplication bool
	Complexity  float64

	// Optional fields. A reported performance regression fails; an explicit
	// spec_verified=false fails.
	PerfRegression *bool
	SpecVerified   *bool
}

var requiredChecks = []string{"tests", "lint", "typecheck", "audit", "coverage", "duplication"}

// ParseEvidence extracts backpressure evidence from an event payload.
// Payloads are either a JSON object or "key: value" lines; booleans accept
// pass/fail and true/false. Every required check plus complexity must be
// present.
func ParseEvidence(payload string) (*BackpressureEvidence, error) {
	fields, err := payloadFields(payload)
	if err != nil {
		return nil, err
	}

	ev := &BackpressureEvidence{}
	for _, key := range requiredChecks {
		raw, ok := fields[key]
		if !ok {
			return nil, fmt.Errorf("missing required field %q", key)
		}
		val, err := parseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		switch key {
		case "tests":
			ev.Tests = val
		case "lint":
			ev.Lint = val
		case "typecheck":
			ev.Typecheck = val
		case "audit":
			ev.Audit = val
		case "coverage":
			ev.Coverage = val
		case "duplication":
			ev.Duplication = val
		}
	}

	raw, ok := fields["complexity"]
	if !ok {
		return nil, fmt.Errorf("missing required field %q", "complexity")
	}
	ev.Complexity, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("field %q: invalid number %q", "complexity", raw)
	}

	if raw, ok := fields["perf_regression"]; ok {
		val, err := parseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", "perf_regression", err)
		}
		ev.PerfRegression = &val
	}
	if raw, ok := fields["spec_verified"]; ok {
		val, err := parseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", "spec_verified", err)
		}
		ev.SpecVerified = &val
	}
	return ev, nil
}

// AllPassed reports whether the evidence clears every gate.
func (e *BackpressureEvidence) AllPassed() bool {
	return len(e.Failures()) == 0
}

// Failures lists each failing check by name.
func (e *BackpressureEvidence) Failures() []string {
	var fails []string
	for _, check := range []struct {
		name string
		ok   bool
	}{
		{"tests", e.Tests},
		{"lint", e.Lint},
		{"typecheck", e.Typecheck},
		{"audit", e.Audit},
		{"coverage", e.Coverage},
		{"duplication", e.Duplication},
	} {
		if !check.ok {
			fails = append(fails, check.name)
		}
	}
	if e.Complexity > MaxComplexity {
		fails = append(fails, fmt.Sprintf("complexity %g exceeds %d", e.Complexity, MaxComplexity))
	}
	if e.PerfRegression != nil && *e.PerfRegression {
		fails = append(fails, "performance regression")
	}
	if e.SpecVerified != nil && !*e.SpecVerified {
		fails = append(fails, "spec not verified")
	}
	return fails
}

// payloadFields flattens a payload into lowercase key → string value.
// JSON objects are tried first; anything else falls back to line-oriented
// "key: value" parsing.
func payloadFields(payload string) (map[string]string, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			fields := make(map[string]string, len(obj))
			for k, v := range obj {
				fields[strings.ToLower(k)] = fmt.Sprintf("%v", v)
			}
			return fields, nil
		}
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("payload carries no evidence fields")
	}
	return fields, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "passed", "true", "yes", "ok":
		return true, nil
	case "fail", "failed", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", raw)
}
