// Package doctor lints a stagehand setup: configuration, descriptor and host
// inventory together.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mattjoyce/stagehand/internal/auth"
	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/descriptor"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/matrix"
	"github.com/mattjoyce/stagehand/internal/script"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded config against its descriptor and inventory.
type Doctor struct {
	cfg       *config.Config
	pipeline  *descriptor.Pipeline
	inventory *hosts.Inventory
}

// New creates a Doctor. pipeline and inventory may be nil when they could not
// be loaded; the checks that need them are skipped.
func New(cfg *config.Config, pipeline *descriptor.Pipeline, inventory *hosts.Inventory) *Doctor {
	return &Doctor{cfg: cfg, pipeline: pipeline, inventory: inventory}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if d.cfg != nil {
		d.validateAPIConfig(r)
		d.validateTokenScopes(r)
		d.warnDeprecatedSyntax(r)
	}
	if d.pipeline != nil {
		d.validateScripts(r)
		d.warnEmptyStages(r)
		d.warnNoReleaseBranches(r)
		if d.inventory != nil {
			d.validateHostCoverage(r)
			d.warnUnusedHosts(r)
		}
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	if d.cfg.API.WebhookSecret == "" {
		d.addWarning(r, "api", "api.webhook_secret", "no webhook secret; POST /hooks/push is disabled")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.ValidScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected one of *, runs:ro, runs:rw, events:ro)", scope))
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// validateScripts resolves every script template once so unknown
// placeholders surface before any job runs.
func (d *Doctor) validateScripts(r *Result) {
	defaultScript := script.DefaultTemplate
	if d.cfg != nil && d.cfg.Runner.DefaultScript != "" {
		defaultScript = d.cfg.Runner.DefaultScript
	}
	placeholder := matrix.Coordinate{Stage: "stage", Substage: "substage", Arch: "arch", Distribution: "distro"}
	if _, err := script.ForJob(defaultScript, placeholder); err != nil {
		d.addError(r, "script", "runner.default_script", err.Error())
	}

	for _, stage := range d.pipeline.Stages {
		for _, sub := range stage.Substages {
			if sub.Script == "" {
				continue
			}
			if _, err := script.ForJob(sub.Script, placeholder); err != nil {
				d.addError(r, "script", stage.Name+"/"+sub.Name, err.Error())
			}
		}
	}
}

func (d *Doctor) warnEmptyStages(r *Result) {
	for _, stage := range d.pipeline.Stages {
		if len(stage.Substages) == 0 {
			d.addWarning(r, "descriptor", stage.Name, "stage has no substages and always passes")
		}
	}
}

func (d *Doctor) warnNoReleaseBranches(r *Result) {
	if d.pipeline.ReleaseBranches.Len() == 0 {
		d.addWarning(r, "descriptor", "release-branches", "no release branches; passing runs publish nothing")
	}
}

// validateHostCoverage warns about jobs no host in the inventory could ever
// run. Those jobs would end errored at run time.
func (d *Doctor) validateHostCoverage(r *Result) {
	pool, err := d.inventory.Pool()
	if err != nil {
		d.addError(r, "hosts", "hosts.file", err.Error())
		return
	}
	if pool.Size() == 0 {
		d.addWarning(r, "hosts", "hosts.file", "inventory has no hosts; every job would error")
		return
	}
	for _, stage := range d.pipeline.Stages {
		for _, sub := range stage.Substages {
			var blocked []string
			for _, coord := range matrix.Expand(stage.Name, sub.Name, sub.Axes) {
				if err := pool.Check(sub.Requirements, coord); err != nil {
					blocked = append(blocked, coord.Arch+"/"+coord.Distribution)
				}
			}
			if len(blocked) > 0 {
				msg := fmt.Sprintf("no host can run %s", strings.Join(blocked, ", "))
				if len(sub.Requirements) > 0 {
					msg += fmt.Sprintf(" with %s", sub.Requirements)
				}
				d.addWarning(r, "hosts", stage.Name+"/"+sub.Name, msg)
			}
		}
	}
}

func (d *Doctor) warnUnusedHosts(r *Result) {
	archs := make(map[string]struct{})
	for _, c := range d.pipeline.Coordinates() {
		archs[c.Arch] = struct{}{}
	}
	for _, h := range d.inventory.Hosts {
		if _, ok := archs[h.Arch]; !ok {
			d.addWarning(r, "unused", h.Name,
				fmt.Sprintf("host %q (%s) matches no job architecture", h.Name, h.Arch))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Setup valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Setup valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Setup invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
