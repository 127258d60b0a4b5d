package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// OverrideKind is the kind fed by ProjectIDs.
const OverrideKind = "user_defined_projects"

// Validate checks cfg against the known kind names. Warnings do not block a
// run.
func Validate(cfg Config, knownKinds []string) []Issue {
	var out []Issue
	errf := func(path, format string, args ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(cfg.Token) == "" {
		errf("token", "is required")
	}

	known := make(map[string]bool, len(knownKinds))
	for _, k := range knownKinds {
		known[k] = true
	}
	enabled := cfg.RequestedKinds()
	if len(enabled) == 0 {
		errf("endpoints", "no endpoint enabled")
	}
	for _, k := range enabled {
		if !known[k] {
			errf("endpoints."+k, "unknown endpoint (known: %s)", strings.Join(knownKinds, ", "))
		}
	}

	ids := strings.TrimSpace(cfg.ProjectIDs)
	switch {
	case cfg.Endpoints[OverrideKind] && ids == "":
		errf("project_ids", "required when %s is enabled", OverrideKind)
	case !cfg.Endpoints[OverrideKind] && ids != "":
		warnf("project_ids", "ignored unless %s is enabled", OverrideKind)
	}

	if _, err := cfg.SinceTime(); err != nil {
		errf("since", "must be empty, %q or an RFC3339 timestamp", SinceLastRun)
	}
	if cfg.Since != SinceNone && !cfg.Incremental {
		warnf("since", "has no effect unless incremental is true")
	}
	if cfg.Since == SinceLastRun && strings.TrimSpace(cfg.StatePath) == "" {
		errf("state_path", "required when since is %q", SinceLastRun)
	}

	if cfg.MaxRequestsPerSecond < 0 {
		errf("max_requests_per_second", "must be positive")
	}
	if cfg.Concurrency < 0 {
		errf("concurrency", "must be positive")
	}
	if cfg.BatchSize < 0 {
		errf("batch_size", "must be zero (one batch per request) or positive")
	}

	if cfg.Retry.MaxAttempts < 0 {
		errf("retry.max_attempts", "must be positive")
	}
	if cfg.Retry.BaseBackoff.Duration < 0 || cfg.Retry.MaxBackoff.Duration < 0 {
		errf("retry", "backoff must not be negative")
	}
	if cfg.Retry.MaxBackoff.Duration > 0 && cfg.Retry.BaseBackoff.Duration > cfg.Retry.MaxBackoff.Duration {
		warnf("retry.base_backoff", "exceeds max_backoff; every wait will be max_backoff")
	}

	if cfg.HTTP.Timeout.Duration < 0 {
		errf("http.timeout", "must not be negative")
	}
	if cfg.HTTP.PageLimit < 0 || cfg.HTTP.PageLimit > 100 {
		errf("http.page_limit", "must be between 1 and 100")
	}
	if cfg.HTTP.BaseURL != "" {
		u, err := url.Parse(cfg.HTTP.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errf("http.base_url", "must be an absolute URL")
		}
	}

	switch cfg.Output.Kind {
	case "csv":
		if strings.TrimSpace(cfg.Output.Dir) == "" {
			errf("output.dir", "required for csv output")
		}
	case "sqlite", "postgres", "mssql":
		if strings.TrimSpace(cfg.Output.DSN) == "" {
			errf("output.dsn", "required for %s output", cfg.Output.Kind)
		}
	default:
		errf("output.kind", "must be one of csv, sqlite, postgres, mssql (got %q)", cfg.Output.Kind)
	}

	switch cfg.Metrics.Backend {
	case "", "none", "datadog":
	default:
		errf("metrics.backend", "must be none or datadog (got %q)", cfg.Metrics.Backend)
	}

	return out
}

// ValidationError carries the issues of a configuration that cannot run.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, iss := range e.Issues {
		if iss.Severity == SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}
