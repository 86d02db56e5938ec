package modkit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Manifest file names recognized during discovery.
var manifestNames = map[string]bool{
	"module.json": true,
	"module.yaml": true,
	"module.yml":  true,
	"module.toml": true,
}

// RouteSpec declares an HTTP route a module wants a host transport to
// mount. The runtime validates the declaration but never serves it.
type RouteSpec struct {
	Path   string `json:"path" yaml:"path" toml:"path"`
	Method string `json:"method" yaml:"method" toml:"method"`
}

// ServiceSpec declares a named service and its implementation path.
type ServiceSpec struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	Path string `json:"path" yaml:"path" toml:"path"`
}

// Manifest is the declarative description of a module read at discovery
// time, one file per module directory.
type Manifest struct {
	ID           string            `json:"id" yaml:"id" toml:"id"`
	Name         string            `json:"name" yaml:"name" toml:"name"`
	Version      string            `json:"version" yaml:"version" toml:"version"`
	Description  string            `json:"description" yaml:"description" toml:"description"`
	Author       string            `json:"author" yaml:"author" toml:"author"`
	License      string            `json:"license" yaml:"license" toml:"license"`
	Engine       string            `json:"engine" yaml:"engine" toml:"engine"`
	Type         string            `json:"type" yaml:"type" toml:"type"` // core, contrib, plugin
	Dependencies []string          `json:"dependencies" yaml:"dependencies" toml:"dependencies"`
	Engines      map[string]string `json:"engines" yaml:"engines" toml:"engines"`
	Main         string            `json:"main" yaml:"main" toml:"main"`
	Config       ConfigSchema      `json:"config" yaml:"config" toml:"config"`
	Activation   string            `json:"activation" yaml:"activation" toml:"activation"` // on-demand, on-start, lazy
	Critical     bool              `json:"critical" yaml:"critical" toml:"critical"`
	Singleton    bool              `json:"singleton" yaml:"singleton" toml:"singleton"`
	Routes       []RouteSpec       `json:"routes" yaml:"routes" toml:"routes"`
	Services     []ServiceSpec     `json:"services" yaml:"services" toml:"services"`
	Hooks        []string          `json:"hooks" yaml:"hooks" toml:"hooks"`
	Tags         []string          `json:"tags" yaml:"tags" toml:"tags"`
	Categories   []string          `json:"categories" yaml:"categories" toml:"categories"`

	path string
}

// Path returns the file this manifest was loaded from, if any.
func (m *Manifest) Path() string { return m.path }

// IsManifestFile reports whether a file name is a recognized manifest.
func IsManifestFile(name string) bool { return manifestNames[filepath.Base(name)] }

// LoadManifest reads and parses a manifest file by extension. Parse
// failures are wrapped in *ManifestLoadError: fatal for this manifest,
// harmless to the rest of discovery.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestLoadError{Path: path, Err: err}
	}

	m := &Manifest{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, m)
	case ".toml":
		err = toml.Unmarshal(data, m)
	default:
		err = fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, &ManifestLoadError{Path: path, Err: err}
	}
	m.path = path
	m.normalize()
	return m, nil
}

func (m *Manifest) normalize() {
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Type == "" {
		m.Type = "plugin"
	}
	if m.Activation == "" {
		m.Activation = "on-start"
	}
}

// Validate checks the manifest's structural rules. Unlike config schema
// validation this fails fast: the first violation wins.
func (m *Manifest) Validate() error {
	fail := func(field, msg string) error {
		return &ValidationError{
			Subject:    fmt.Sprintf("manifest %s", m.describe()),
			Violations: []FieldViolation{{Field: field, Message: msg}},
		}
	}

	if strings.TrimSpace(m.ID) == "" {
		return fail("id", "must be a non-empty string")
	}
	if strings.TrimSpace(m.Engine) == "" {
		return fail("engine", "must be a non-empty string")
	}
	if !semver.IsValid(canonicalVersion(m.Version)) {
		return fail("version", fmt.Sprintf("%q is not a semantic version", m.Version))
	}
	switch m.Type {
	case "core", "contrib", "plugin":
	default:
		return fail("type", fmt.Sprintf("%q is not one of core, contrib, plugin", m.Type))
	}
	switch m.Activation {
	case "on-demand", "on-start", "lazy":
	default:
		return fail("activation", fmt.Sprintf("%q is not one of on-demand, on-start, lazy", m.Activation))
	}
	for i, dep := range m.Dependencies {
		if _, err := ParseDependency(dep); err != nil {
			return fail(fmt.Sprintf("dependencies[%d]", i), err.Error())
		}
	}
	for i, route := range m.Routes {
		if route.Path == "" || route.Method == "" {
			return fail(fmt.Sprintf("routes[%d]", i), "must carry both a path and an HTTP method")
		}
	}
	for i, svc := range m.Services {
		if svc.Name == "" || svc.Path == "" {
			return fail(fmt.Sprintf("services[%d]", i), "must carry both a name and an implementation path")
		}
	}
	return nil
}

func (m *Manifest) describe() string {
	if m.ID != "" {
		return m.ID
	}
	return m.path
}

// DependencyIDs returns the bare dependency names with any scope and
// version constraint stripped, for graph edges.
func (m *Manifest) DependencyIDs() []string {
	ids := make([]string, 0, len(m.Dependencies))
	for _, token := range m.Dependencies {
		ref, err := ParseDependency(token)
		if err != nil {
			continue
		}
		ids = append(ids, ref.Name)
	}
	return ids
}

// IsCompatible checks the manifest's host restrictions against the
// running system: platform/arch entries match exactly, any other engines
// key is a version constraint checked against the corresponding runtime
// version. The returned reason is empty when compatible.
func (m *Manifest) IsCompatible(info SystemInfo) (bool, string) {
	for key, want := range m.Engines {
		switch key {
		case "platform", "os":
			if want != info.Platform {
				return false, fmt.Sprintf("requires platform %q, host is %q", want, info.Platform)
			}
		case "arch":
			if want != info.Arch {
				return false, fmt.Sprintf("requires arch %q, host is %q", want, info.Arch)
			}
		default:
			current, ok := info.Versions[key]
			if !ok {
				return false, fmt.Sprintf("requires runtime %q which the host does not provide", key)
			}
			satisfied, err := checkConstraint(current, want)
			if err != nil {
				return false, fmt.Sprintf("invalid constraint %q for runtime %q", want, key)
			}
			if !satisfied {
				return false, fmt.Sprintf("requires %s %q, host has %q", key, want, current)
			}
		}
	}
	return true, ""
}

// DependencyRef is a parsed dependency token:
// [@scope/]name[@constraint].
type DependencyRef struct {
	Scope      string
	Name       string
	Constraint string
}

var dependencyPattern = regexp.MustCompile(`^(?:@([a-z0-9][a-z0-9._-]*)/)?([a-z0-9][a-z0-9._-]*)(?:@(.+))?$`)

// ParseDependency parses a dependency token into its scope, name and
// optional version constraint parts.
func ParseDependency(token string) (DependencyRef, error) {
	matches := dependencyPattern.FindStringSubmatch(token)
	if matches == nil {
		return DependencyRef{}, fmt.Errorf("malformed dependency token %q", token)
	}
	ref := DependencyRef{Scope: matches[1], Name: matches[2], Constraint: matches[3]}
	if ref.Constraint != "" {
		if _, _, err := parseConstraint(ref.Constraint); err != nil {
			return DependencyRef{}, fmt.Errorf("dependency %q: %v", token, err)
		}
	}
	return ref, nil
}

// parseConstraint splits a constraint into its operator (">=", "^" or
// exact) and canonical version.
func parseConstraint(constraint string) (op, version string, err error) {
	switch {
	case strings.HasPrefix(constraint, ">="):
		op, version = ">=", strings.TrimSpace(constraint[2:])
	case strings.HasPrefix(constraint, "^"):
		op, version = "^", strings.TrimSpace(constraint[1:])
	case strings.HasPrefix(constraint, "="):
		op, version = "=", strings.TrimSpace(constraint[1:])
	default:
		op, version = "=", strings.TrimSpace(constraint)
	}
	version = canonicalVersion(version)
	if !semver.IsValid(version) {
		return "", "", fmt.Errorf("invalid version constraint %q", constraint)
	}
	return op, version, nil
}

// checkConstraint evaluates current against a >=, ^ or exact constraint.
func checkConstraint(current, constraint string) (bool, error) {
	op, want, err := parseConstraint(constraint)
	if err != nil {
		return false, err
	}
	cur := canonicalVersion(current)
	if !semver.IsValid(cur) {
		return false, fmt.Errorf("invalid version %q", current)
	}
	switch op {
	case ">=":
		return semver.Compare(cur, want) >= 0, nil
	case "^":
		return semver.Major(cur) == semver.Major(want) && semver.Compare(cur, want) >= 0, nil
	default:
		return semver.Compare(cur, want) == 0, nil
	}
}

// canonicalVersion accepts versions with or without the leading "v" that
// golang.org/x/mod/semver insists on.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
