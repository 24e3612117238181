package codelist

import (
	"fmt"
	"sort"
)

// Coding system URIs for the terminologies study codelists are drawn from.
const (
	SystemSNOMED = "http://snomed.info/sct"
	SystemCTV3   = "http://read.info/ctv3"
	SystemICD10  = "http://hl7.org/fhir/sid/icd-10"
	SystemDMD    = "https://dmd.nhs.uk"
	SystemOPCS4  = "http://www.datadictionary.nhs.uk/opcs-4"
)

// Code is a single coding-system term, optionally carrying a category label
// (for example "S", "E" or "N" in a smoking status codelist).
type Code struct {
	Code     string `db:"code" json:"code"`
	Category string `db:"category" json:"category,omitempty"`
	Term     string `db:"term" json:"term,omitempty"`
}

// Codelist is an immutable named, versioned set of codes from one coding
// system. The zero value is an empty codelist.
type Codelist struct {
	name    string
	version string
	system  string
	codes   []Code
	index   map[string]int
}

// New builds a codelist. Later duplicates of a code are ignored.
func New(name, system, version string, codes []Code) *Codelist {
	cl := &Codelist{
		name:    name,
		system:  system,
		version: version,
		codes:   make([]Code, 0, len(codes)),
		index:   make(map[string]int, len(codes)),
	}
	for _, c := range codes {
		if _, dup := cl.index[c.Code]; dup || c.Code == "" {
			continue
		}
		cl.index[c.Code] = len(cl.codes)
		cl.codes = append(cl.codes, c)
	}
	return cl
}

func (c *Codelist) Name() string    { return c.name }
func (c *Codelist) Version() string { return c.version }
func (c *Codelist) System() string  { return c.system }
func (c *Codelist) Len() int        { return len(c.codes) }

// Contains reports whether code is a member of the codelist.
func (c *Codelist) Contains(code string) bool {
	_, ok := c.index[code]
	return ok
}

// CategoryOf returns the category label attached to code.
func (c *Codelist) CategoryOf(code string) (string, bool) {
	i, ok := c.index[code]
	if !ok {
		return "", false
	}
	return c.codes[i].Category, true
}

// Codes returns a copy of the member codes in insertion order.
func (c *Codelist) Codes() []Code {
	out := make([]Code, len(c.codes))
	copy(out, c.codes)
	return out
}

// Categories returns the distinct non-empty categories, sorted.
func (c *Codelist) Categories() []string {
	seen := make(map[string]struct{})
	for _, code := range c.codes {
		if code.Category != "" {
			seen[code.Category] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// HasCategory reports whether any member code carries the given category.
func (c *Codelist) HasCategory(category string) bool {
	for _, code := range c.codes {
		if code.Category == category {
			return true
		}
	}
	return false
}

// FilterByCategory returns a new codelist containing only codes whose
// category is one of include. The receiver is left untouched.
func (c *Codelist) FilterByCategory(include ...string) *Codelist {
	keep := make(map[string]struct{}, len(include))
	for _, cat := range include {
		keep[cat] = struct{}{}
	}
	filtered := make([]Code, 0, len(c.codes))
	for _, code := range c.codes {
		if _, ok := keep[code.Category]; ok {
			filtered = append(filtered, code)
		}
	}
	return New(c.name, c.system, c.version, filtered)
}

// Combine merges several codelists from the same coding system into one.
// A code appearing in more than one list must carry the same category.
func Combine(name string, lists ...*Codelist) (*Codelist, error) {
	if len(lists) == 0 {
		return nil, fmt.Errorf("combine %s: no codelists given", name)
	}
	system := lists[0].system
	var merged []Code
	seen := make(map[string]string)
	for _, cl := range lists {
		if cl.system != system {
			return nil, fmt.Errorf("combine %s: codelist %s uses system %s, expected %s", name, cl.name, cl.system, system)
		}
		for _, code := range cl.codes {
			if cat, dup := seen[code.Code]; dup {
				if cat != code.Category {
					return nil, fmt.Errorf("combine %s: code %s has conflicting categories %q and %q", name, code.Code, cat, code.Category)
				}
				continue
			}
			seen[code.Code] = code.Category
			merged = append(merged, code)
		}
	}
	return New(name, system, "", merged), nil
}

// Registry is a read-only lookup of codelists by name.
type Registry struct {
	byName map[string]*Codelist
	order  []string
}

// NewRegistry indexes the given codelists. A later codelist with the same
// name replaces an earlier one.
func NewRegistry(lists ...*Codelist) *Registry {
	r := &Registry{byName: make(map[string]*Codelist, len(lists))}
	for _, cl := range lists {
		if _, exists := r.byName[cl.name]; !exists {
			r.order = append(r.order, cl.name)
		}
		r.byName[cl.name] = cl
	}
	return r
}

// Codelist returns the codelist registered under name.
func (r *Registry) Codelist(name string) (*Codelist, bool) {
	cl, ok := r.byName[name]
	return cl, ok
}

// Names lists registered codelist names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int { return len(r.order) }

// Summary is the listing representation of a codelist.
type Summary struct {
	Name       string   `json:"name"`
	Version    string   `json:"version,omitempty"`
	System     string   `json:"system"`
	Size       int      `json:"size"`
	Categories []string `json:"categories,omitempty"`
}

// Detail is the full representation of a codelist.
type Detail struct {
	Summary
	Codes []Code `json:"codes"`
}

func (c *Codelist) Summary() Summary {
	return Summary{
		Name:       c.name,
		Version:    c.version,
		System:     c.system,
		Size:       len(c.codes),
		Categories: c.Categories(),
	}
}

func (c *Codelist) Detail() Detail {
	return Detail{Summary: c.Summary(), Codes: c.Codes()}
}
