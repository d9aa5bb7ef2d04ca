package capability

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed catalog.json
var catalogJSON []byte

//go:embed catalog.schema.json
var catalogSchemaJSON []byte

type catalogDoc struct {
	Version      int          `json:"version"`
	Capabilities []Definition `json:"capabilities"`
}

// Registry is the immutable capability catalog, loaded once at startup.
// Unknown paths never resolve to enabled, so everything a deployment can
// toggle has to be declared here.
type Registry struct {
	version int
	defs    map[string]Definition
	paths   []string
}

// NewRegistry builds the registry from the embedded catalog.
func NewRegistry() (*Registry, error) {
	return newRegistryFromJSON(catalogJSON)
}

func newRegistryFromJSON(data []byte) (*Registry, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(catalogSchemaJSON),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("invalid catalog: %s", result.Errors()[0].String())
	}

	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	r := &Registry{version: doc.Version, defs: make(map[string]Definition, len(doc.Capabilities))}
	for _, d := range doc.Capabilities {
		if err := validatePath(d.Path); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.Path]; dup {
			return nil, fmt.Errorf("duplicate capability path %q", d.Path)
		}
		if d.Category() == CategoryExternal {
			if d.Criticality != CriticalityCritical && d.Criticality != CriticalityDegradedOK {
				return nil, fmt.Errorf("capability %q: criticality must be %q or %q",
					d.Path, CriticalityCritical, CriticalityDegradedOK)
			}
		} else if d.Criticality != "" {
			return nil, fmt.Errorf("capability %q: criticality only applies to external entries", d.Path)
		}
		r.defs[d.Path] = d
		r.paths = append(r.paths, d.Path)
	}
	sort.Strings(r.paths)
	return r, nil
}

// Version reports the catalog version for status surfaces.
func (r *Registry) Version() int {
	return r.version
}

// Lookup returns the definition for path.
func (r *Registry) Lookup(path string) (Definition, bool) {
	d, ok := r.defs[path]
	return d, ok
}

// All returns every definition sorted by path.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.paths))
	for _, p := range r.paths {
		out = append(out, r.defs[p])
	}
	return out
}

// Integrations returns the external.* definitions sorted by path. These are
// the integrations the panic controller knows about.
func (r *Registry) Integrations() []Definition {
	var out []Definition
	for _, p := range r.paths {
		if d := r.defs[p]; d.Category() == CategoryExternal {
			out = append(out, d)
		}
	}
	return out
}

// IntegrationNames returns the short names ("afip", "whatsapp") of every
// external integration, sorted.
func (r *Registry) IntegrationNames() []string {
	var out []string
	for _, d := range r.Integrations() {
		out = append(out, d.Integration())
	}
	sort.Strings(out)
	return out
}

// LookupIntegration resolves a short integration name to its definition.
func (r *Registry) LookupIntegration(name string) (Definition, bool) {
	d, ok := r.defs[string(CategoryExternal)+"."+name]
	return d, ok
}
