package syncer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ansible/content-repository/pkg/content"
	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRequirements is returned for a malformed requirements file.
var ErrInvalidRequirements = errors.New("invalid requirements file")

// Requirement selects the versions of one collection to sync.
type Requirement struct {
	Namespace string
	Name      string
	// Version is a galaxy version spec; "*" or empty admits every version.
	Version string
	// Source is an alternate galaxy server root; empty means the remote.
	Source string
}

// FQN returns "namespace.name".
func (r Requirement) FQN() string { return r.Namespace + "." + r.Name }

func (r Requirement) key() string {
	return strings.Join([]string{r.Namespace, r.Name, r.Version, r.Source}, "\x00")
}

// Admits reports whether version satisfies the requirement.
func (r Requirement) Admits(version string) (bool, error) {
	spec := strings.TrimSpace(r.Version)
	if spec == "" || spec == "*" {
		return true, nil
	}
	return content.Satisfies(version, spec)
}

type requirementEntry struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Source  string `yaml:"source"`
}

// UnmarshalYAML accepts both "ns.name" scalars and mapping entries.
func (e *requirementEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Name = node.Value
		return nil
	}
	type plain requirementEntry
	return node.Decode((*plain)(e))
}

type requirementsFile struct {
	Collections []requirementEntry `yaml:"collections"`
}

// ParseRequirements parses a requirements.yml document. An empty document
// yields no requirements, which means "everything the remote has".
func ParseRequirements(data string) ([]Requirement, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}
	var f requirementsFile
	if err := yaml.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]Requirement, 0, len(f.Collections))
	for _, e := range f.Collections {
		req, err := NewRequirement(e.Name, e.Version, e.Source)
		if err != nil {
			return nil, err
		}
		if seen.Add(req.key()) {
			out = append(out, req)
		}
	}
	return out, nil
}

// NewRequirement validates and builds a Requirement from an fqn.
func NewRequirement(fqn, version, source string) (Requirement, error) {
	ns, name, ok := strings.Cut(strings.TrimSpace(fqn), ".")
	if !ok || ns == "" || name == "" || strings.Contains(name, ".") {
		return Requirement{}, fmt.Errorf("%w: collection name %q is not namespace.name", ErrInvalidRequirements, fqn)
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = "*"
	}
	if version != "*" {
		if _, err := content.ParseConstraint(version); err != nil {
			return Requirement{}, fmt.Errorf("%w: %v", ErrInvalidRequirements, err)
		}
	}
	return Requirement{Namespace: ns, Name: name, Version: version, Source: strings.TrimSpace(source)}, nil
}

// hasSecondarySource reports whether any requirement names another server.
func hasSecondarySource(reqs []Requirement) bool {
	for _, r := range reqs {
		if r.Source != "" {
			return true
		}
	}
	return false
}
