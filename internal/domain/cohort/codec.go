package cohort

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	APIVersion   = "cohort/v1"
	KindStudyDef = "StudyDefinition"
)

// Document is the serialized form of a specification.
type Document struct {
	APIVersion          string        `yaml:"apiVersion" json:"apiVersion"`
	Kind                string        `yaml:"kind" json:"kind"`
	IndexDate           string        `yaml:"index_date" json:"index_date"`
	Constants           []ConstantDoc `yaml:"constants,omitempty" json:"constants,omitempty"`
	DefaultExpectations *Expectations `yaml:"default_expectations,omitempty" json:"default_expectations,omitempty"`
	Population          *VariableDoc  `yaml:"population" json:"population"`
	Variables           []VariableDoc `yaml:"variables" json:"variables"`
}

type ConstantDoc struct {
	Name string `yaml:"name" json:"name"`
	Date string `yaml:"date" json:"date"`
}

type RuleDoc struct {
	Label     string `yaml:"label" json:"label"`
	Condition string `yaml:"condition" json:"condition"`
}

// VariableDoc is one variable. Exactly one of the window fields may be set.
// Nested Variables are the hidden sub-variables of a categorised_as variable.
type VariableDoc struct {
	Name   string     `yaml:"name,omitempty" json:"name,omitempty"`
	Source SourceKind `yaml:"source" json:"source"`

	Codelist          string   `yaml:"codelist,omitempty" json:"codelist,omitempty"`
	IncludeCategories []string `yaml:"include_categories,omitempty" json:"include_categories,omitempty"`
	Pathogen          string   `yaml:"pathogen,omitempty" json:"pathogen,omitempty"`
	TestResult        string   `yaml:"test_result,omitempty" json:"test_result,omitempty"`

	AsOf       string   `yaml:"as_of,omitempty" json:"as_of,omitempty"`
	Between    []string `yaml:"between,omitempty" json:"between,omitempty"`
	OnOrBefore string   `yaml:"on_or_before,omitempty" json:"on_or_before,omitempty"`
	OnOrAfter  string   `yaml:"on_or_after,omitempty" json:"on_or_after,omitempty"`

	Selection           Selection `yaml:"selection,omitempty" json:"selection,omitempty"`
	Returning           Returning `yaml:"returning,omitempty" json:"returning,omitempty"`
	DateFormat          string    `yaml:"date_format,omitempty" json:"date_format,omitempty"`
	RoundToNearest      int       `yaml:"round_to_nearest,omitempty" json:"round_to_nearest,omitempty"`
	UseMostFrequentCode bool      `yaml:"use_most_frequent_code,omitempty" json:"use_most_frequent_code,omitempty"`

	Categories []RuleDoc     `yaml:"categories,omitempty" json:"categories,omitempty"`
	Variables  []VariableDoc `yaml:"variables,omitempty" json:"variables,omitempty"`
	Expect     *Expectations `yaml:"return_expectations,omitempty" json:"return_expectations,omitempty"`
}

// ============================================================================
// Spec -> Document
// ============================================================================

// Document converts the specification back into its serialized form.
func (s *Spec) Document() Document {
	doc := Document{
		APIVersion: APIVersion,
		Kind:       KindStudyDef,
		IndexDate:  s.indexExpr,
	}
	for _, c := range s.constants {
		doc.Constants = append(doc.Constants, ConstantDoc{Name: c.Name, Date: c.Date.Format(isoDate)})
	}
	doc.DefaultExpectations = s.defaults.clone()
	pop := s.variableDoc(s.population)
	pop.Name = ""
	doc.Population = &pop
	for _, v := range s.variables {
		if !v.Hidden {
			doc.Variables = append(doc.Variables, s.variableDoc(v))
		}
	}
	return doc
}

func (s *Spec) variableDoc(v Variable) VariableDoc {
	d := VariableDoc{
		Name:                v.Name,
		Source:              v.Source.Kind,
		Codelist:            v.Source.Codelist,
		IncludeCategories:   append([]string(nil), v.Source.IncludeCategories...),
		Pathogen:            v.Source.Pathogen,
		TestResult:          v.Source.TestResult,
		Returning:           v.Returning,
		RoundToNearest:      v.Source.RoundToNearest,
		UseMostFrequentCode: v.Source.UseMostFrequentCode,
		Expect:              v.Expectations.clone(),
	}
	if v.Selection != defaultSelection(v) {
		d.Selection = v.Selection
	}
	if v.DateFormat != DateFormatDay {
		d.DateFormat = v.DateFormat
	}

	start, end := v.Window.Bounds()
	switch v.Window.Kind {
	case WindowAsOf:
		d.AsOf = end
	case WindowBetween:
		d.Between = []string{start, end}
	case WindowOnOrBefore:
		d.OnOrBefore = end
	case WindowOnOrAfter:
		d.OnOrAfter = start
	}

	for _, r := range v.Rules {
		d.Categories = append(d.Categories, RuleDoc{Label: r.Label, Condition: r.Condition})
	}
	for _, sub := range s.Subvariables(v.Name) {
		d.Variables = append(d.Variables, s.variableDoc(sub))
	}
	return d
}

// ============================================================================
// Document -> Spec
// ============================================================================

// Load builds a specification from its serialized form.
func Load(doc Document, codelists CodelistLookup) (*Spec, error) {
	if doc.APIVersion != APIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q (expected %q)", doc.APIVersion, APIVersion)
	}
	if doc.Kind != KindStudyDef {
		return nil, fmt.Errorf("unexpected kind %q (expected %q)", doc.Kind, KindStudyDef)
	}

	b := NewBuilder(codelists).IndexDate(doc.IndexDate)
	for _, c := range doc.Constants {
		b.Constant(c.Name, c.Date)
	}
	if doc.DefaultExpectations != nil {
		b.DefaultExpectations(*doc.DefaultExpectations)
	}
	if doc.Population != nil {
		b.Population(doc.Population.Definition())
	}
	for _, v := range doc.Variables {
		b.Add(v.Name, v.Definition())
	}
	return b.Build()
}

// Definition converts the document into an unnamed definition. Malformed
// fields are recorded on the definition and reported by Build.
func (d VariableDoc) Definition() Definition {
	def := Definition{v: Variable{
		Source: Source{
			Kind:                d.Source,
			Codelist:            d.Codelist,
			IncludeCategories:   append([]string(nil), d.IncludeCategories...),
			Pathogen:            d.Pathogen,
			TestResult:          d.TestResult,
			RoundToNearest:      d.RoundToNearest,
			UseMostFrequentCode: d.UseMostFrequentCode,
		},
		Returning:  d.Returning,
		DateFormat: d.DateFormat,
	}}
	if d.Selection != "" {
		def.selections = []Selection{d.Selection}
	}
	def.v.Expectations = d.Expect.clone()

	windows := 0
	if d.AsOf != "" {
		windows++
		def.v.Window = Window{Kind: WindowAsOf, End: def.dateRef(d.AsOf)}
	}
	if d.Between != nil {
		windows++
		if len(d.Between) != 2 {
			def.errs = append(def.errs, fmt.Sprintf("between needs exactly two dates, got %d", len(d.Between)))
		} else {
			def.v.Window = Window{Kind: WindowBetween, Start: def.dateRef(d.Between[0]), End: def.dateRef(d.Between[1])}
		}
	}
	if d.OnOrBefore != "" {
		windows++
		def.v.Window = Window{Kind: WindowOnOrBefore, End: def.dateRef(d.OnOrBefore)}
	}
	if d.OnOrAfter != "" {
		windows++
		def.v.Window = Window{Kind: WindowOnOrAfter, Start: def.dateRef(d.OnOrAfter)}
	}
	if windows > 1 {
		def.errs = append(def.errs, "only one of as_of, between, on_or_before, on_or_after may be set")
	}

	for _, r := range d.Categories {
		def.v.Rules = append(def.v.Rules, Rule{Label: r.Label, Condition: r.Condition})
	}
	for _, sub := range d.Variables {
		def.subs = append(def.subs, namedDefinition{name: sub.Name, def: sub.Definition()})
	}
	return def
}

// ============================================================================
// Encoding
// ============================================================================

// DecodeYAML reads a YAML document, rejecting unknown fields.
func DecodeYAML(r io.Reader) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode yaml: %w", err)
	}
	return doc, nil
}

// DecodeJSON reads a JSON document, rejecting unknown fields.
func DecodeJSON(r io.Reader) (Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode json: %w", err)
	}
	return doc, nil
}

func EncodeYAML(w io.Writer, doc Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

func EncodeJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// ReadDocumentFile decodes a .yaml, .yml or .json file.
func ReadDocumentFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		doc, err = DecodeYAML(bytes.NewReader(data))
	case ".json":
		doc, err = DecodeJSON(bytes.NewReader(data))
	default:
		return Document{}, fmt.Errorf("%s: unsupported file type", path)
	}
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
