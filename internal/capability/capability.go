// Package capability holds the static capability catalog and the resolution
// service that answers whether a capability is enabled for an organization.
// Paths are dot-separated identifiers like "external.afip"; the segment
// before the dot is the category.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryExternal Category = "external"
	CategoryDomain   Category = "domain"
	CategoryServices Category = "services"
	CategoryUI       Category = "ui"
)

// Criticality of an external integration for operator dashboards: losing a
// critical integration halts revenue-bearing flows, a degraded-ok one does not.
const (
	CriticalityCritical   = "critical"
	CriticalityDegradedOK = "degraded-ok"
)

var (
	ErrUnknownPath = errors.New("unknown capability path")
	ErrNotFound    = errors.New("override not found")
)

// Definition is one entry of the static catalog. Immutable after load.
type Definition struct {
	Path           string `json:"path"`
	DefaultEnabled bool   `json:"default_enabled"`
	Description    string `json:"description,omitempty"`
	Criticality    string `json:"criticality,omitempty"`
}

// Category returns the path segment before the dot.
func (d Definition) Category() Category {
	head, _, _ := strings.Cut(d.Path, ".")
	return Category(head)
}

// Integration returns the integration name for external capabilities
// ("afip" for "external.afip") and "" for every other category.
func (d Definition) Integration() string {
	head, tail, _ := strings.Cut(d.Path, ".")
	if Category(head) != CategoryExternal {
		return ""
	}
	return tail
}

// EnvVar returns the environment variable recognized as an emergency
// override for path: "external.afip" maps to CAP_OVERRIDE_EXTERNAL_AFIP.
func EnvVar(path string) string {
	return "CAP_OVERRIDE_" + strings.ToUpper(strings.ReplaceAll(path, ".", "_"))
}

func validCategory(c Category) bool {
	switch c {
	case CategoryExternal, CategoryDomain, CategoryServices, CategoryUI:
		return true
	}
	return false
}

// validatePath enforces the path grammar: <category>.<name>, both segments
// non-empty lowercase [a-z0-9_], category drawn from the known set.
func validatePath(path string) error {
	head, tail, found := strings.Cut(path, ".")
	if !found || head == "" || tail == "" {
		return fmt.Errorf("capability path %q: want <category>.<name>", path)
	}
	if !validCategory(Category(head)) {
		return fmt.Errorf("capability path %q: unknown category %q", path, head)
	}
	for _, segment := range []string{head, tail} {
		for _, r := range segment {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
				return fmt.Errorf("capability path %q: invalid character %q", path, r)
			}
		}
	}
	return nil
}
