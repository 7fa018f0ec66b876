/**
 * Region Catalog
 *
 * Named rectangles on the general detail screen, expressed at a reference
 * resolution and rescaled per capture. A catalog is immutable once built and
 * is shared read-only by every extraction.
 */

package catalog

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/adverant/nexus/generals-worker/internal/errors"
	"gopkg.in/yaml.v3"
)

// ContentType tells recognition and parsing what kind of value a region holds.
type ContentType string

const (
	ContentText   ContentType = "TEXT"
	ContentDigits ContentType = "DIGITS"
	ContentEnum   ContentType = "ENUM"
)

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	switch t {
	case ContentText, ContentDigits, ContentEnum:
		return true
	}
	return false
}

// KeyRole marks regions that take part in record identity.
type KeyRole string

const (
	KeyNone  KeyRole = ""
	KeyID    KeyRole = "id"
	KeyName  KeyRole = "name"
	KeyLevel KeyRole = "level"
)

// Rect is a rectangle in pixels.
type Rect struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Scale multiplies every coordinate by factor, rounding outward so the scaled
// rect never loses a partial pixel row or column of the original area.
func (r Rect) Scale(factor float64) Rect {
	x0 := int(math.Floor(float64(r.X) * factor))
	y0 := int(math.Floor(float64(r.Y) * factor))
	x1 := int(math.Ceil(float64(r.X+r.Width) * factor))
	y1 := int(math.Ceil(float64(r.Y+r.Height) * factor))
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Within reports whether r lies entirely inside a width x height image.
func (r Rect) Within(width, height int) bool {
	return r.X >= 0 && r.Y >= 0 && r.Width > 0 && r.Height > 0 &&
		r.X+r.Width <= width && r.Y+r.Height <= height
}

// Resolution is a width/height pair.
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Region defines one extraction area.
type Region struct {
	ID       string      `yaml:"id"`
	Rect     Rect        `yaml:"rect"`
	Content  ContentType `yaml:"content"`
	Language string      `yaml:"language,omitempty"`
	// Category names the reference set or numeric range used for validation.
	Category string   `yaml:"category,omitempty"`
	Required bool     `yaml:"required"`
	KeyRole  KeyRole  `yaml:"key_role,omitempty"`
	Chrome   []string `yaml:"chrome,omitempty"`
}

// Catalog is an immutable set of regions. The zero value is empty and unusable;
// build one with New, Load, or Default.
type Catalog struct {
	reference Resolution
	regions   []Region
	index     map[string]int
	chrome    []string
}

type catalogFile struct {
	Reference Resolution `yaml:"reference_resolution"`
	Chrome    []string   `yaml:"chrome,omitempty"`
	Regions   []Region   `yaml:"regions"`
}

// New validates regions and builds a catalog. globalChrome lists UI labels
// that are trimmed from every region's text.
func New(reference Resolution, regions []Region, globalChrome []string) (*Catalog, error) {
	if reference.Width <= 0 || reference.Height <= 0 {
		return nil, errors.NewCatalogInvalidError(fmt.Sprintf("reference resolution %dx%d", reference.Width, reference.Height), nil)
	}
	if len(regions) == 0 {
		return nil, errors.NewCatalogInvalidError("no regions defined", nil)
	}

	c := &Catalog{
		reference: reference,
		regions:   make([]Region, 0, len(regions)),
		index:     make(map[string]int, len(regions)),
		chrome:    append([]string(nil), globalChrome...),
	}
	roles := map[KeyRole]string{}

	for _, r := range regions {
		if r.ID == "" {
			return nil, errors.NewCatalogInvalidError("region without id", nil)
		}
		if _, dup := c.index[r.ID]; dup {
			return nil, errors.NewCatalogInvalidError(fmt.Sprintf("duplicate region %s", r.ID), nil)
		}
		if !r.Content.Valid() {
			return nil, errors.NewCatalogInvalidError(fmt.Sprintf("region %s has content type %q", r.ID, r.Content), nil)
		}
		if !r.Rect.Within(reference.Width, reference.Height) {
			return nil, errors.NewCatalogInvalidError(fmt.Sprintf("region %s lies outside the reference resolution", r.ID), nil)
		}
		if r.Content == ContentEnum && r.Category == "" {
			return nil, errors.NewCatalogInvalidError(fmt.Sprintf("enum region %s needs a category", r.ID), nil)
		}
		if r.KeyRole != KeyNone {
			if other, taken := roles[r.KeyRole]; taken {
				return nil, errors.NewCatalogInvalidError(fmt.Sprintf("key role %s claimed by %s and %s", r.KeyRole, other, r.ID), nil)
			}
			roles[r.KeyRole] = r.ID
		}
		r.Chrome = append([]string(nil), r.Chrome...)
		c.index[r.ID] = len(c.regions)
		c.regions = append(c.regions, r)
	}

	return c, nil
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewCatalogInvalidError("cannot read "+path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewCatalogInvalidError("malformed yaml", err)
	}
	for i := range f.Regions {
		f.Regions[i].Content = ContentType(strings.ToUpper(string(f.Regions[i].Content)))
	}
	return New(f.Reference, f.Regions, f.Chrome)
}

// Reference returns the resolution region rects are expressed in.
func (c *Catalog) Reference() Resolution {
	return c.reference
}

// Lookup returns the region with the given id.
func (c *Catalog) Lookup(id string) (Region, bool) {
	i, ok := c.index[id]
	if !ok {
		return Region{}, false
	}
	return c.regions[i], true
}

// Regions returns all regions in declaration order. The slice is a copy.
func (c *Catalog) Regions() []Region {
	out := make([]Region, len(c.regions))
	copy(out, c.regions)
	return out
}

// Len returns the number of regions.
func (c *Catalog) Len() int {
	return len(c.regions)
}

// ByRole returns the region holding a key role.
func (c *Catalog) ByRole(role KeyRole) (Region, bool) {
	for _, r := range c.regions {
		if r.KeyRole == role {
			return r, true
		}
	}
	return Region{}, false
}

// ChromeFor returns the denylist for a region: global labels first, then the
// region's own, longest first so prefix trimming removes "Level" before "Lv".
func (c *Catalog) ChromeFor(r Region) []string {
	out := make([]string, 0, len(c.chrome)+len(r.Chrome))
	out = append(out, c.chrome...)
	out = append(out, r.Chrome...)
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

// ScaleFactor returns the factor that maps reference coordinates onto an image
// of the given width.
func (c *Catalog) ScaleFactor(width int) float64 {
	return float64(width) / float64(c.reference.Width)
}
