// Package permissions holds the registry of permission keys the engine can check.
package permissions

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/staffdesk/staffdesk/internal/shared"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Permission represents an atomic capability.
type Permission struct {
	ID          ID     `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description,omitempty"`
	Category    string `yaml:"category" json:"category,omitempty"`
}

// Catalog is the read-only set of known permissions.
type Catalog struct {
	ordered []Permission
	byID    map[ID]Permission
}

type catalogFile struct {
	Permissions []Permission `yaml:"permissions"`
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the catalog built from the embedded definitions. It panics when
// the embedded file disagrees with the compiled keys, surfacing the mistake at startup.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Load(catalogYAML, Known())
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Load parses a YAML catalog and checks it describes exactly the known keys.
func Load(data []byte, known []ID) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("permissions: parse catalog: %w", err)
	}
	c, err := New(file.Permissions)
	if err != nil {
		return nil, err
	}
	var missing []string
	knownSet := make(map[ID]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
		if !c.Exists(id) {
			missing = append(missing, string(id))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("permissions: catalog missing keys: %s", strings.Join(missing, ", "))
	}
	for _, p := range c.ordered {
		if _, ok := knownSet[p.ID]; !ok {
			return nil, fmt.Errorf("permissions: catalog key %q is not compiled in", p.ID)
		}
	}
	return c, nil
}

// New builds a catalog from explicit definitions.
func New(perms []Permission) (*Catalog, error) {
	c := &Catalog{byID: make(map[ID]Permission, len(perms))}
	for _, p := range perms {
		p.ID = ID(strings.TrimSpace(string(p.ID)))
		if p.ID == "" {
			return nil, fmt.Errorf("permissions: empty permission id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("permissions: duplicate permission id %q", p.ID)
		}
		c.byID[p.ID] = p
		c.ordered = append(c.ordered, p)
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		if c.ordered[i].Category != c.ordered[j].Category {
			return c.ordered[i].Category < c.ordered[j].Category
		}
		return c.ordered[i].ID < c.ordered[j].ID
	})
	return c, nil
}

// List returns every permission ordered by category then id.
func (c *Catalog) List() []Permission {
	out := make([]Permission, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// IDs returns every permission id in List order.
func (c *Catalog) IDs() []ID {
	ids := make([]ID, len(c.ordered))
	for i, p := range c.ordered {
		ids[i] = p.ID
	}
	return ids
}

// GroupedByCategory groups permissions by category. Uncategorised permissions
// are grouped under "general".
func (c *Catalog) GroupedByCategory() map[string][]Permission {
	groups := make(map[string][]Permission)
	for _, p := range c.ordered {
		category := p.Category
		if category == "" {
			category = "general"
		}
		groups[category] = append(groups[category], p)
	}
	return groups
}

// Exists reports whether id is a known permission.
func (c *Catalog) Exists(id ID) bool {
	if c == nil {
		return false
	}
	_, ok := c.byID[id]
	return ok
}

// Get returns the permission definition for id.
func (c *Catalog) Get(id ID) (Permission, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// Len returns the number of known permissions.
func (c *Catalog) Len() int { return len(c.ordered) }

// Validate returns an error wrapping shared.ErrValidation naming every unknown id.
func (c *Catalog) Validate(ids []ID) error {
	var unknown []string
	for _, id := range ids {
		if !c.Exists(id) {
			unknown = append(unknown, string(id))
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown permission ids: %s", shared.ErrValidation, strings.Join(unknown, ", "))
	}
	return nil
}

// Parse converts raw strings into ids, validating each against the catalog.
func (c *Catalog) Parse(raw []string) ([]ID, error) {
	ids := make([]ID, 0, len(raw))
	for _, r := range raw {
		ids = append(ids, ID(strings.TrimSpace(r)))
	}
	if err := c.Validate(ids); err != nil {
		return nil, err
	}
	return ids, nil
}
