package descriptor

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// documentSpec is the raw YAML shape of a descriptor.
type documentSpec struct {
	ReleaseBranches yaml.Node               `yaml:"release-branches"`
	Templates       map[string]templateBody `yaml:"templates"`
	Stages          []stageSpec             `yaml:"stages"`
}

// templateBody is a template value. The map key names the template, so the
// body is decoded as plain fields without the single-key name form.
type templateBody substageSpec

type stageSpec struct {
	Name          string         `yaml:"name"`
	Archs         stringList     `yaml:"archs"`
	Distributions stringList     `yaml:"distributions"`
	BestEffort    bool           `yaml:"best-effort"`
	Substages     []substageSpec `yaml:"substages"`
	SubStages     []substageSpec `yaml:"sub-stages"`
}

type substageSpec struct {
	Name          string                `yaml:"name"`
	Extends       string                `yaml:"extends"`
	Archs         stringList            `yaml:"archs"`
	Distributions stringList            `yaml:"distributions"`
	Matrix        map[string]stringList `yaml:"matrix"`
	RunIf         *runIfSpec            `yaml:"run-if"`
	Requirements  map[string]string     `yaml:"runtime-requirements"`
	Script        *scriptSpec           `yaml:"script"`
	Timeout       time.Duration         `yaml:"timeout"`
}

type runIfSpec struct {
	FileChanged stringList `yaml:"file-changed"`
}

// scriptSpec accepts `script: path` or `script: {from-file: path}`.
type scriptSpec struct {
	FromFile string `yaml:"from-file"`
}

func (s *scriptSpec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		s.FromFile = strings.TrimSpace(n.Value)
		return nil
	}
	type plain scriptSpec
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*s = scriptSpec{FromFile: strings.TrimSpace(p.FromFile)}
	return nil
}

// stringList accepts a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" || strings.TrimSpace(n.Value) == "" {
			*l = nil
			return nil
		}
		*l = stringList{strings.TrimSpace(n.Value)}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		out := make(stringList, 0, len(items))
		for _, item := range items {
			out = append(out, strings.TrimSpace(item))
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", n.Line)
	}
}

func (s *stageSpec) UnmarshalYAML(n *yaml.Node) error {
	type plain stageSpec
	var p plain
	name, body, err := unwrapNamed(n)
	if err != nil {
		return err
	}
	if body != nil {
		if err := body.Decode(&p); err != nil {
			return err
		}
	}
	if name != "" {
		p.Name = name
	}
	p.Name = strings.TrimSpace(p.Name)
	*s = stageSpec(p)
	return nil
}

func (s *substageSpec) UnmarshalYAML(n *yaml.Node) error {
	type plain substageSpec
	var p plain
	name, body, err := unwrapNamed(n)
	if err != nil {
		return err
	}
	if body != nil {
		if err := body.Decode(&p); err != nil {
			return err
		}
	}
	if name != "" {
		p.Name = name
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Extends = strings.TrimSpace(p.Extends)
	*s = substageSpec(p)
	return nil
}

// unwrapNamed accepts the three list-item shapes used for stages and
// substages:
//
//	- check-patch                 (bare name)
//	- check-patch: {...}          (single key, name = key)
//	- {name: check-patch, ...}    (explicit)
func unwrapNamed(n *yaml.Node) (string, *yaml.Node, error) {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return strings.TrimSpace(n.Value), nil, nil
	case yaml.MappingNode:
		if len(n.Content) == 2 && n.Content[0].Value != "name" && n.Content[0].Value != "<<" {
			body := n.Content[1]
			if body.Kind == yaml.AliasNode && body.Alias != nil {
				body = body.Alias
			}
			switch {
			case body.Kind == yaml.MappingNode:
				return n.Content[0].Value, body, nil
			case body.Kind == yaml.ScalarNode && body.Tag == "!!null":
				return n.Content[0].Value, nil, nil
			}
		}
		return "", n, nil
	default:
		return "", nil, fmt.Errorf("line %d: expected a name or a mapping", n.Line)
	}
}

// decodeReleaseBranches reads the branch map in document order. Each value is
// a target name or a list of target names.
func decodeReleaseBranches(n *yaml.Node, verr *ValidationError) ([]string, map[string][]string) {
	targets := make(map[string][]string)
	if n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null") {
		return nil, targets
	}
	if n.Kind != yaml.MappingNode {
		verr.add(fmt.Sprintf("release-branches (line %d): must be a mapping of branch to targets", n.Line))
		return nil, targets
	}

	var branches []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		branch := strings.TrimSpace(key.Value)
		if branch == "" {
			verr.add(fmt.Sprintf("release-branches (line %d): branch name must be non-empty", key.Line))
			continue
		}
		if _, dup := targets[branch]; dup {
			verr.add(fmt.Sprintf("release-branches: duplicate branch %q (line %d)", branch, key.Line))
			continue
		}
		var list stringList
		if err := value.Decode(&list); err != nil {
			verr.add(fmt.Sprintf("release-branches[%s]: %v", branch, err))
			continue
		}
		var cleaned []string
		for _, target := range list {
			if target != "" {
				cleaned = append(cleaned, target)
			}
		}
		if len(cleaned) == 0 {
			verr.add(fmt.Sprintf("release-branches[%s]: at least one release target is required", branch))
		}
		branches = append(branches, branch)
		targets[branch] = cleaned
	}
	return branches, targets
}
