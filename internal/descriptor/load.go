package descriptor

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/stagehand/internal/condition"
	"github.com/mattjoyce/stagehand/internal/hosts"
	"github.com/mattjoyce/stagehand/internal/matrix"
)

// LoadFile reads and loads the descriptor at path.
func LoadFile(path string) (*Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor %s: %w", path, err)
	}
	p, err := Load(raw)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", path, err)
	}
	return p, nil
}

// Load parses, resolves and validates a descriptor document.
//
// A cycle among extends references fails with *CircularReferenceError. Every
// other problem is collected into a single *ValidationError.
func Load(raw []byte) (*Pipeline, error) {
	var doc documentSpec
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, &ValidationError{Issues: []string{fmt.Sprintf("parse: %v", err)}}
	}

	verr := &ValidationError{}
	branches, targets := decodeReleaseBranches(&doc.ReleaseBranches, verr)

	r := newResolver(doc)
	if err := r.resolveTemplates(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		ReleaseBranches: NewReleaseMap(branches, targets),
		Stages:          make([]Stage, 0, len(doc.Stages)),
	}

	seenStages := make(map[string]struct{}, len(doc.Stages))
	for i, st := range doc.Stages {
		if st.Name == "" {
			verr.add(fmt.Sprintf("stages[%d]: name is required", i))
			continue
		}
		if _, dup := seenStages[st.Name]; dup {
			verr.add(fmt.Sprintf("duplicate stage name %q", st.Name))
			continue
		}
		seenStages[st.Name] = struct{}{}

		stage := Stage{Name: st.Name, BestEffort: st.BestEffort}
		seenSubs := make(map[string]struct{})
		for j, sub := range st.substages() {
			if sub.Name == "" {
				verr.add(fmt.Sprintf("stage %q: substages[%d]: name is required", st.Name, j))
				continue
			}
			if _, dup := seenSubs[sub.Name]; dup {
				verr.add(fmt.Sprintf("stage %q: duplicate substage name %q", st.Name, sub.Name))
				continue
			}
			seenSubs[sub.Name] = struct{}{}

			node, err := r.resolve(substageKey(st.Name, sub.Name))
			if err != nil {
				return nil, err
			}
			stage.Substages = append(stage.Substages, compileSubstage(st, node, verr))
		}
		p.Stages = append(p.Stages, stage)
	}

	for _, issue := range r.issues {
		verr.add(issue)
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	fingerprint, err := fingerprintPipeline(p)
	if err != nil {
		return nil, err
	}
	p.Fingerprint = fingerprint
	return p, nil
}

func (s stageSpec) substages() []substageSpec {
	out := make([]substageSpec, 0, len(s.Substages)+len(s.SubStages))
	out = append(out, s.Substages...)
	return append(out, s.SubStages...)
}

// compileSubstage turns a resolved substage into its final form and validates
// the fields that are not axes. Axis issues are reported by the resolver.
func compileSubstage(st stageSpec, node *resolved, verr *ValidationError) Substage {
	spec := node.spec
	where := fmt.Sprintf("stage %q substage %q", st.Name, spec.Name)

	sub := Substage{
		Name:    spec.Name,
		Extends: spec.Extends,
		Timeout: spec.Timeout,
		Axes:    node.axes,
	}
	if spec.Script != nil {
		sub.Script = spec.Script.FromFile
	}
	if spec.Timeout < 0 {
		verr.add(where + ": timeout must not be negative")
	}

	if spec.RunIf != nil {
		sub.RunIf = condition.FileChanged(spec.RunIf.FileChanged...)
		if err := sub.RunIf.Validate(); err != nil {
			verr.add(where + ": run-if: " + err.Error())
		}
	}

	if len(spec.Requirements) > 0 {
		sub.Requirements = make(hosts.Requirements, len(spec.Requirements))
		for k, v := range spec.Requirements {
			sub.Requirements[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		if err := sub.Requirements.Validate(); err != nil {
			verr.add(where + ": runtime-requirements: " + err.Error())
		}
	}
	return sub
}

// materializeAxes builds the complete arch → distributions map for a
// substage. base holds the resolved axes of the substage it extends, if any,
// and baseDistros the distributions that base handed to archs without their
// own. The substage's axes are unioned on top of base. An arch with no
// distributions takes the substage's own list, then whatever base already
// has for it, then baseDistros, then the stage default.
//
// The returned distributions are the defaults a further extension inherits.
func materializeAxes(st stageSpec, spec substageSpec, base matrix.Axes, baseDistros []string) (matrix.Axes, []string, []string) {
	var issues []string
	axes := make(matrix.Axes)
	for arch, distros := range spec.Matrix {
		axes[strings.TrimSpace(arch)] = matrix.Union(nil, distros)
	}
	for _, arch := range spec.Archs {
		if _, ok := axes[arch]; !ok {
			axes[arch] = nil
		}
	}
	if len(axes) == 0 {
		inherited := st.Archs
		if len(base) > 0 {
			inherited = base.Archs()
		}
		for _, arch := range inherited {
			axes[arch] = nil
		}
	}

	for _, arch := range axes.Archs() {
		if arch == "" {
			issues = append(issues, "architecture name must be non-empty")
			delete(axes, arch)
			continue
		}
		if len(axes[arch]) > 0 {
			continue
		}
		switch {
		case len(spec.Distributions) > 0:
			axes[arch] = matrix.Union(nil, spec.Distributions)
		case len(base[arch]) > 0:
		case len(baseDistros) > 0:
			axes[arch] = matrix.Union(nil, baseDistros)
		case len(st.Distributions) > 0:
			axes[arch] = matrix.Union(nil, st.Distributions)
		default:
			issues = append(issues, fmt.Sprintf("architecture %q has no distributions", arch))
			delete(axes, arch)
		}
	}
	for arch, distros := range base {
		axes[arch] = matrix.Union(distros, axes[arch])
	}
	if len(axes) == 0 && len(issues) == 0 {
		return nil, nil, []string{"no architectures (set matrix or archs on the substage or its stage)"}
	}

	defaults := matrix.Union(baseDistros, spec.Distributions)
	if len(defaults) == 0 {
		defaults = matrix.Union(nil, st.Distributions)
	}
	return axes, defaults, issues
}

// resolver flattens extends chains. Keys are "@name" for templates and
// "stage/substage" for substages.
type resolver struct {
	specs    map[string]substageSpec
	stages   map[string]stageSpec
	resolved map[string]*resolved
	visiting map[string]bool
	stack    []string
	issues   []string
}

// resolved is one template or substage after its extends chain is applied.
// Substages, and templates built on a substage, carry materialized axes;
// other templates keep their raw axis fields in spec until a substage
// extends them.
type resolved struct {
	spec    substageSpec
	axes    matrix.Axes
	distros []string
}

func newResolver(doc documentSpec) *resolver {
	r := &resolver{
		specs:    make(map[string]substageSpec),
		stages:   make(map[string]stageSpec),
		resolved: make(map[string]*resolved),
		visiting: make(map[string]bool),
	}
	for name, body := range doc.Templates {
		tmpl := substageSpec(body)
		tmpl.Name = strings.TrimSpace(name)
		tmpl.Extends = strings.TrimSpace(tmpl.Extends)
		r.specs[templateKey(tmpl.Name)] = tmpl
	}
	for _, st := range doc.Stages {
		for _, sub := range st.substages() {
			key := substageKey(st.Name, sub.Name)
			if _, dup := r.specs[key]; dup {
				continue
			}
			r.specs[key] = sub
			r.stages[key] = st
		}
	}
	return r
}

func templateKey(name string) string { return "@" + name }

func substageKey(stage, substage string) string { return stage + "/" + substage }

// resolveTemplates resolves every template so cycles among templates are
// reported even when no substage references them.
func (r *resolver) resolveTemplates() error {
	var keys []string
	for key := range r.specs {
		if strings.HasPrefix(key, "@") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := r.resolve(key); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) resolve(key string) (*resolved, error) {
	if node, ok := r.resolved[key]; ok {
		return node, nil
	}
	if r.visiting[key] {
		return nil, r.cycle(key)
	}

	spec := r.specs[key]
	var base *resolved
	if spec.Extends != "" {
		baseKey, ok := r.lookup(key, spec.Extends)
		if !ok {
			r.issues = append(r.issues, fmt.Sprintf("%s: extends %q does not name a template or substage", displayKey(key), spec.Extends))
		} else {
			r.visiting[key] = true
			r.stack = append(r.stack, key)
			var err error
			base, err = r.resolve(baseKey)
			r.stack = r.stack[:len(r.stack)-1]
			delete(r.visiting, key)
			if err != nil {
				return nil, err
			}
		}
	}

	node := r.layer(key, spec, base)
	r.resolved[key] = node
	return node, nil
}

// layer applies spec on top of its resolved base. A substage base is used
// with its stage defaults already applied, so reusing it from another stage
// keeps the axes it had at home.
func (r *resolver) layer(key string, spec substageSpec, base *resolved) *resolved {
	node := &resolved{spec: spec}
	var baseAxes matrix.Axes
	var baseDistros []string
	if base != nil {
		node.spec = overlay(base.spec, spec)
		if base.axes != nil {
			baseAxes, baseDistros = base.axes, base.distros
			node.spec.Archs = spec.Archs
			node.spec.Distributions = spec.Distributions
			node.spec.Matrix = spec.Matrix
		}
	}

	st, isSubstage := r.stages[key]
	if !isSubstage && baseAxes == nil {
		return node
	}
	axes, distros, issues := materializeAxes(st, node.spec, baseAxes, baseDistros)
	where := displayKey(key)
	if isSubstage {
		where = fmt.Sprintf("stage %q substage %q", st.Name, spec.Name)
	}
	for _, issue := range issues {
		r.issues = append(r.issues, where+": "+issue)
	}
	node.axes, node.distros = axes, distros
	return node
}

// lookup finds the key an extends reference points at: a template first,
// then a sibling substage, then an absolute stage/substage.
func (r *resolver) lookup(from, ref string) (string, bool) {
	candidates := []string{templateKey(ref)}
	if !strings.HasPrefix(from, "@") && !strings.Contains(ref, "/") {
		stage, _, _ := strings.Cut(from, "/")
		candidates = append(candidates, substageKey(stage, ref))
	}
	if strings.Contains(ref, "/") {
		candidates = append(candidates, ref)
	}
	for _, c := range candidates {
		if _, ok := r.specs[c]; ok {
			return c, true
		}
	}
	return "", false
}

func (r *resolver) cycle(key string) error {
	start := 0
	for i, k := range r.stack {
		if k == key {
			start = i
			break
		}
	}
	chain := make([]string, 0, len(r.stack)-start+1)
	for _, k := range r.stack[start:] {
		chain = append(chain, displayKey(k))
	}
	chain = append(chain, displayKey(key))
	return &CircularReferenceError{Chain: chain}
}

func displayKey(key string) string {
	if name, ok := strings.CutPrefix(key, "@"); ok {
		return "templates." + name
	}
	return key
}

// overlay applies spec on top of base. Scalars override, requirements merge
// per key and collections union with base items first.
func overlay(base, spec substageSpec) substageSpec {
	out := spec
	out.Archs = matrix.Union(base.Archs, spec.Archs)
	out.Distributions = matrix.Union(base.Distributions, spec.Distributions)

	if len(base.Matrix) > 0 || len(spec.Matrix) > 0 {
		out.Matrix = make(map[string]stringList, len(base.Matrix)+len(spec.Matrix))
		for arch, distros := range base.Matrix {
			out.Matrix[arch] = matrix.Union(nil, distros)
		}
		for arch, distros := range spec.Matrix {
			out.Matrix[arch] = matrix.Union(out.Matrix[arch], distros)
		}
	}

	switch {
	case base.RunIf == nil:
	case spec.RunIf == nil:
		out.RunIf = base.RunIf
	default:
		out.RunIf = &runIfSpec{FileChanged: matrix.Union(base.RunIf.FileChanged, spec.RunIf.FileChanged)}
	}

	if len(base.Requirements) > 0 {
		out.Requirements = make(map[string]string, len(base.Requirements)+len(spec.Requirements))
		for k, v := range base.Requirements {
			out.Requirements[k] = v
		}
		for k, v := range spec.Requirements {
			out.Requirements[k] = v
		}
	}

	if spec.Script == nil {
		out.Script = base.Script
	}
	if spec.Timeout == 0 {
		out.Timeout = base.Timeout
	}
	return out
}

func fingerprintPipeline(p *Pipeline) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal descriptor fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

// IsLoadError reports whether err came from loading a descriptor rather than
// from reading it.
func IsLoadError(err error) bool {
	var verr *ValidationError
	var cerr *CircularReferenceError
	return errors.As(err, &verr) || errors.As(err, &cerr)
}
