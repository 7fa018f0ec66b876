/**
 * Reference dataset
 *
 * Known-good values (general names, specialties, skills, equipment) and
 * numeric ranges (level, stars) used to validate extracted fields. A Dataset
 * never changes after construction; reloads build a new one and swap it in
 * through Holder.
 */

package reference

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/errors"
	"gopkg.in/yaml.v3"
)

// Range is an inclusive numeric interval.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Dataset is an immutable snapshot of reference values.
type Dataset struct {
	version  string
	loadedAt time.Time
	// category -> lower-cased value -> canonical spelling
	values map[string]map[string]string
	sorted map[string][]string
	ranges map[string]Range
}

type datasetFile struct {
	Version    string              `yaml:"version"`
	Categories map[string][]string `yaml:"categories"`
	Ranges     map[string]Range    `yaml:"ranges"`
}

// NewDataset builds a snapshot from category values and numeric ranges.
func NewDataset(version string, categories map[string][]string, ranges map[string]Range) (*Dataset, error) {
	d := &Dataset{
		version:  version,
		loadedAt: time.Now(),
		values:   make(map[string]map[string]string, len(categories)),
		sorted:   make(map[string][]string, len(categories)),
		ranges:   make(map[string]Range, len(ranges)),
	}

	for category, list := range categories {
		set := make(map[string]string, len(list))
		canon := make([]string, 0, len(list))
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := strings.ToLower(v)
			if _, dup := set[key]; dup {
				continue
			}
			set[key] = v
			canon = append(canon, v)
		}
		sort.Strings(canon)
		d.values[category] = set
		d.sorted[category] = canon
	}

	for name, r := range ranges {
		if r.Min > r.Max {
			return nil, fmt.Errorf("range %s has min %d above max %d", name, r.Min, r.Max)
		}
		d.ranges[name] = r
	}

	return d, nil
}

// Load reads a dataset from a YAML file. A missing or unreadable file is a
// configuration error.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewReferenceMissingError(path, err)
	}
	return Parse(data, path)
}

// Parse builds a dataset from YAML bytes. source is used in error messages.
func Parse(data []byte, source string) (*Dataset, error) {
	var f datasetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewReferenceMissingError(source, err)
	}
	if len(f.Categories) == 0 && len(f.Ranges) == 0 {
		return nil, errors.NewReferenceMissingError(source, fmt.Errorf("dataset is empty"))
	}
	d, err := NewDataset(f.Version, f.Categories, f.Ranges)
	if err != nil {
		return nil, errors.NewReferenceMissingError(source, err)
	}
	return d, nil
}

// Version returns the dataset version label.
func (d *Dataset) Version() string { return d.version }

// LoadedAt returns when the snapshot was built.
func (d *Dataset) LoadedAt() time.Time { return d.loadedAt }

// HasCategory reports whether a value set exists for category.
func (d *Dataset) HasCategory(category string) bool {
	_, ok := d.values[category]
	return ok
}

// Match returns the canonical spelling of value within category, comparing
// case-insensitively.
func (d *Dataset) Match(category, value string) (string, bool) {
	set, ok := d.values[category]
	if !ok {
		return "", false
	}
	canon, ok := set[strings.ToLower(strings.TrimSpace(value))]
	return canon, ok
}

// Values returns the sorted canonical values of category. The slice is a copy.
func (d *Dataset) Values(category string) []string {
	return append([]string(nil), d.sorted[category]...)
}

// Range returns the numeric range configured for name.
func (d *Dataset) Range(name string) (Range, bool) {
	r, ok := d.ranges[name]
	return r, ok
}

// Holder publishes the current dataset. Readers take one snapshot per
// extraction; Swap replaces it atomically without blocking them.
type Holder struct {
	current atomic.Pointer[Dataset]
}

// NewHolder creates a holder seeded with d.
func NewHolder(d *Dataset) *Holder {
	h := &Holder{}
	h.current.Store(d)
	return h
}

// Snapshot returns the current dataset, or a REFERENCE_MISSING error when
// nothing has been loaded.
func (h *Holder) Snapshot() (*Dataset, error) {
	d := h.current.Load()
	if d == nil {
		return nil, errors.NewReferenceMissingError("holder", fmt.Errorf("no dataset loaded"))
	}
	return d, nil
}

// Swap installs d and returns the previous snapshot.
func (h *Holder) Swap(d *Dataset) *Dataset {
	return h.current.Swap(d)
}

// Reload loads path and swaps it in. On failure the current snapshot stays.
func (h *Holder) Reload(path string) (*Dataset, error) {
	d, err := Load(path)
	if err != nil {
		return nil, err
	}
	h.Swap(d)
	return d, nil
}
