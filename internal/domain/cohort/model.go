package cohort

import (
	"time"

	"github.com/ehr/cohort/internal/domain/codelist"
)

// SourceKind names the extraction primitive a variable is built from.
type SourceKind string

const (
	SourceAgeAsOf          SourceKind = "age_as_of"
	SourceSex              SourceKind = "sex"
	SourceEthnicityFromSUS SourceKind = "with_ethnicity_from_sus"
	SourceAddressAsOf      SourceKind = "address_as_of"
	SourceDiedFromAnyCause SourceKind = "died_from_any_cause"
	SourceTestResultSGSS   SourceKind = "with_test_result_in_sgss"
	SourceClinicalEvents   SourceKind = "with_these_clinical_events"
	SourceAdmitted         SourceKind = "admitted_to_hospital"
	SourceRegistered       SourceKind = "registered_with_one_practice_between"
	SourceCategorisedAs    SourceKind = "categorised_as"
)

// Selection is the policy applied when several events fall in the window.
type Selection string

const (
	SelectFirst  Selection = "first"
	SelectLast   Selection = "last"
	SelectAny    Selection = "any"
	SelectBinary Selection = "binary"
)

// Returning names what a variable yields per patient.
type Returning string

const (
	ReturnDate         Returning = "date"
	ReturnBinaryFlag   Returning = "binary_flag"
	ReturnCategory     Returning = "category"
	ReturnDateOfDeath  Returning = "date_of_death"
	ReturnMatchCount   Returning = "number_of_matches_in_period"
	ReturnIMD          Returning = "index_of_multiple_deprivation"
	ReturnGroup6       Returning = "group_6"
	ReturnGroup16      Returning = "group_16"
	ReturnAge          Returning = "age"
	ReturnDateAdmitted Returning = "date_admitted"
)

// OutputType is the encoding of a variable's column in the output dataset.
type OutputType string

const (
	OutputDate     OutputType = "date"
	OutputCategory OutputType = "category"
	OutputBoolean  OutputType = "boolean"
	OutputNumeric  OutputType = "numeric"
)

// OutputTypeOf maps a returning value onto its column encoding.
func OutputTypeOf(r Returning) OutputType {
	switch r {
	case ReturnDate, ReturnDateOfDeath, ReturnDateAdmitted:
		return OutputDate
	case ReturnBinaryFlag:
		return OutputBoolean
	case ReturnMatchCount, ReturnIMD, ReturnAge:
		return OutputNumeric
	default:
		return OutputCategory
	}
}

// legalReturning lists, per source, the returning values it supports. The
// first entry is the default.
var legalReturning = map[SourceKind][]Returning{
	SourceAgeAsOf:          {ReturnAge},
	SourceSex:              {ReturnCategory},
	SourceEthnicityFromSUS: {ReturnGroup6, ReturnGroup16},
	SourceAddressAsOf:      {ReturnIMD},
	SourceDiedFromAnyCause: {ReturnBinaryFlag, ReturnDateOfDeath},
	SourceTestResultSGSS:   {ReturnBinaryFlag, ReturnDate},
	SourceClinicalEvents:   {ReturnBinaryFlag, ReturnDate, ReturnCategory, ReturnMatchCount},
	SourceAdmitted:         {ReturnBinaryFlag, ReturnDateAdmitted, ReturnDate, ReturnMatchCount},
	SourceRegistered:       {ReturnBinaryFlag},
	SourceCategorisedAs:    {ReturnCategory},
}

// Source is the predicate over clinical records a variable is computed from.
type Source struct {
	Kind SourceKind

	// Codelist names the codes matched by clinical events, or the primary
	// diagnoses matched by hospital admissions.
	Codelist          string
	IncludeCategories []string

	// SGSS test result filters. TestResult is "positive", "negative" or "any".
	Pathogen   string
	TestResult string

	RoundToNearest      int
	UseMostFrequentCode bool
}

// Rule is one branch of a categorisation: Label is assigned when Condition
// holds. A rule whose condition is DEFAULT is the catch-all.
type Rule struct {
	Label     string
	Condition string

	parsed *Condition
}

// IsDefault reports whether the rule is the catch-all branch.
func (r Rule) IsDefault() bool { return r.Condition == DefaultCondition }

// Parsed returns the compiled condition; nil for DEFAULT or before Build.
func (r Rule) Parsed() *Condition { return r.parsed }

// Variable is a single named variable definition.
type Variable struct {
	Name         string
	Source       Source
	Window       Window
	Selection    Selection
	Returning    Returning
	DateFormat   string
	Rules        []Rule
	Expectations *Expectations

	// Hidden variables are computed for use in categorisation conditions
	// but are not written to the output dataset. Parent names the
	// categorised_as variable that declared them.
	Hidden bool
	Parent string
}

// clone returns a copy of v that shares no slices, maps or pointers with it.
func (v Variable) clone() Variable {
	out := v
	out.Source.IncludeCategories = append([]string(nil), v.Source.IncludeCategories...)
	out.Rules = append([]Rule(nil), v.Rules...)
	out.Expectations = v.Expectations.clone()
	if v.Window.Start != nil {
		start := *v.Window.Start
		out.Window.Start = &start
	}
	if v.Window.End != nil {
		end := *v.Window.End
		out.Window.End = &end
	}
	return out
}

// OutputType returns the column encoding of the variable.
func (v Variable) OutputType() OutputType { return OutputTypeOf(v.Returning) }

// Classify returns the label of the first rule whose condition holds, or the
// DEFAULT label. Classification is total for a built specification.
func (v Variable) Classify(env Env) string {
	var fallback string
	for _, r := range v.Rules {
		if r.IsDefault() {
			fallback = r.Label
			continue
		}
		if r.parsed != nil && r.parsed.Matches(env) {
			return r.Label
		}
	}
	return fallback
}

// DefaultLabel returns the label of the DEFAULT rule.
func (v Variable) DefaultLabel() string {
	for _, r := range v.Rules {
		if r.IsDefault() {
			return r.Label
		}
	}
	return ""
}

// Expectations carries synthetic-data generation hints.
type Expectations struct {
	Rate      string               `yaml:"rate,omitempty" json:"rate,omitempty"`
	Incidence *float64             `yaml:"incidence,omitempty" json:"incidence,omitempty"`
	Date      *DateExpectation     `yaml:"date,omitempty" json:"date,omitempty"`
	Category  *CategoryExpectation `yaml:"category,omitempty" json:"category,omitempty"`
	Int       *IntExpectation      `yaml:"int,omitempty" json:"int,omitempty"`
}

type DateExpectation struct {
	Earliest string `yaml:"earliest,omitempty" json:"earliest,omitempty"`
	Latest   string `yaml:"latest,omitempty" json:"latest,omitempty"`
}

type CategoryExpectation struct {
	Ratios map[string]float64 `yaml:"ratios" json:"ratios"`
}

type IntExpectation struct {
	Distribution string `yaml:"distribution" json:"distribution"`
}

func (e *Expectations) clone() *Expectations {
	if e == nil {
		return nil
	}
	out := *e
	if e.Incidence != nil {
		inc := *e.Incidence
		out.Incidence = &inc
	}
	if e.Date != nil {
		d := *e.Date
		out.Date = &d
	}
	if e.Category != nil {
		ratios := make(map[string]float64, len(e.Category.Ratios))
		for label, w := range e.Category.Ratios {
			ratios[label] = w
		}
		out.Category = &CategoryExpectation{Ratios: ratios}
	}
	if e.Int != nil {
		i := *e.Int
		out.Int = &i
	}
	return &out
}

// Merge returns e with any unset field taken from base.
func (e *Expectations) Merge(base *Expectations) Expectations {
	var out Expectations
	if base != nil {
		out = *base
	}
	if e == nil {
		return out
	}
	if e.Rate != "" {
		out.Rate = e.Rate
	}
	if e.Incidence != nil {
		out.Incidence = e.Incidence
	}
	if e.Date != nil {
		d := DateExpectation{}
		if out.Date != nil {
			d = *out.Date
		}
		if e.Date.Earliest != "" {
			d.Earliest = e.Date.Earliest
		}
		if e.Date.Latest != "" {
			d.Latest = e.Date.Latest
		}
		out.Date = &d
	}
	if e.Category != nil {
		out.Category = e.Category
	}
	if e.Int != nil {
		out.Int = e.Int
	}
	return out
}

// Constant is a named calendar date.
type Constant struct {
	Name string
	Date time.Time
}

// CodelistLookup resolves codelist names to codelists.
type CodelistLookup interface {
	Codelist(name string) (*codelist.Codelist, bool)
}
