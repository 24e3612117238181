package cohort

// Definition is an unnamed variable definition assembled from one of the
// patient-level primitives below and a set of options. Errors in option
// arguments are recorded and surface when the Builder validates.
type Definition struct {
	v    Variable
	subs []namedDefinition
	errs []string

	selections []Selection
}

type namedDefinition struct {
	name string
	def  Definition
}

// Option adjusts a Definition.
type Option func(*Definition)

func newDefinition(kind SourceKind, opts []Option) Definition {
	d := Definition{v: Variable{Source: Source{Kind: kind}}}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func (d *Definition) dateRef(s string) *DateExpr {
	expr, err := ParseDateExpr(s)
	if err != nil {
		d.errs = append(d.errs, err.Error())
		return nil
	}
	return &expr
}

// ---------------------------------------------------------------------------
// Patient-level primitives
// ---------------------------------------------------------------------------

// AgeAsOf is the patient's age in whole years on the given date.
func AgeAsOf(date string, opts ...Option) Definition {
	d := newDefinition(SourceAgeAsOf, opts)
	d.v.Window = Window{Kind: WindowAsOf, End: d.dateRef(date)}
	return d
}

// Sex is the recorded sex category.
func Sex(opts ...Option) Definition {
	return newDefinition(SourceSex, opts)
}

// EthnicityFromSUS is the ethnicity group recorded in secondary-care
// (SUS) data. With useMostFrequent the most frequently recorded group wins.
func EthnicityFromSUS(returning Returning, useMostFrequent bool, opts ...Option) Definition {
	d := newDefinition(SourceEthnicityFromSUS, append([]Option{Returns(returning)}, opts...))
	d.v.Source.UseMostFrequentCode = useMostFrequent
	return d
}

// AddressAsOf reads an attribute of the address active on the given date.
func AddressAsOf(date string, returning Returning, roundToNearest int, opts ...Option) Definition {
	d := newDefinition(SourceAddressAsOf, append([]Option{Returns(returning)}, opts...))
	d.v.Window = Window{Kind: WindowAsOf, End: d.dateRef(date)}
	d.v.Source.RoundToNearest = roundToNearest
	return d
}

// DiedFromAnyCause matches a registered death in the window.
func DiedFromAnyCause(opts ...Option) Definition {
	return newDefinition(SourceDiedFromAnyCause, opts)
}

// TestResultInSGSS matches laboratory test results for pathogen. result is
// "positive", "negative" or "any".
func TestResultInSGSS(pathogen, result string, opts ...Option) Definition {
	d := newDefinition(SourceTestResultSGSS, opts)
	d.v.Source.Pathogen = pathogen
	d.v.Source.TestResult = result
	return d
}

// ClinicalEvents matches coded primary-care events from the named codelist.
func ClinicalEvents(codelistName string, opts ...Option) Definition {
	d := newDefinition(SourceClinicalEvents, opts)
	d.v.Source.Codelist = codelistName
	return d
}

// AdmittedToHospital matches hospital admissions in the window.
func AdmittedToHospital(opts ...Option) Definition {
	return newDefinition(SourceAdmitted, opts)
}

// RegisteredWithOnePracticeBetween holds when the patient was continuously
// registered with a single practice across the whole window.
func RegisteredWithOnePracticeBetween(start, end string, opts ...Option) Definition {
	d := newDefinition(SourceRegistered, opts)
	d.v.Window = Window{Kind: WindowBetween, Start: d.dateRef(start), End: d.dateRef(end)}
	return d
}

// CategorisedAs assigns the label of the first matching rule. Rules are
// evaluated in order; exactly one rule must be Default.
func CategorisedAs(rules []Rule, opts ...Option) Definition {
	d := newDefinition(SourceCategorisedAs, opts)
	d.v.Rules = append([]Rule(nil), rules...)
	return d
}

// When is a categorisation rule assigning label when condition holds.
func When(label, condition string) Rule { return Rule{Label: label, Condition: condition} }

// Default is the catch-all categorisation rule.
func Default(label string) Rule { return Rule{Label: label, Condition: DefaultCondition} }

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Between restricts matches to [start, end], both inclusive.
func Between(start, end string) Option {
	return func(d *Definition) {
		d.v.Window = Window{Kind: WindowBetween, Start: d.dateRef(start), End: d.dateRef(end)}
	}
}

// OnOrBefore restricts matches to dates up to and including date.
func OnOrBefore(date string) Option {
	return func(d *Definition) {
		d.v.Window = Window{Kind: WindowOnOrBefore, End: d.dateRef(date)}
	}
}

// OnOrAfter restricts matches to dates from date onwards.
func OnOrAfter(date string) Option {
	return func(d *Definition) {
		d.v.Window = Window{Kind: WindowOnOrAfter, Start: d.dateRef(date)}
	}
}

// FindFirstMatch selects the earliest matching event.
func FindFirstMatch() Option {
	return func(d *Definition) { d.selections = append(d.selections, SelectFirst) }
}

// FindLastMatch selects the latest matching event.
func FindLastMatch() Option {
	return func(d *Definition) { d.selections = append(d.selections, SelectLast) }
}

// Select sets the selection policy directly.
func Select(s Selection) Option {
	return func(d *Definition) { d.selections = append(d.selections, s) }
}

// Returns sets what the variable yields.
func Returns(r Returning) Option {
	return func(d *Definition) { d.v.Returning = r }
}

// WithDateFormat sets the output format of a date variable.
func WithDateFormat(format string) Option {
	return func(d *Definition) { d.v.DateFormat = format }
}

// Expect attaches synthetic-data expectations.
func Expect(e Expectations) Option {
	return func(d *Definition) {
		d.v.Expectations = e.clone()
	}
}

// FilterByCategory restricts the variable's codelist to the given categories.
func FilterByCategory(categories ...string) Option {
	return func(d *Definition) {
		d.v.Source.IncludeCategories = append([]string(nil), categories...)
	}
}

// WithPrimaryDiagnoses restricts hospital admissions to primary diagnoses
// in the named codelist.
func WithPrimaryDiagnoses(codelistName string) Option {
	return func(d *Definition) { d.v.Source.Codelist = codelistName }
}

// WithSubvariable declares a hidden variable used by a categorisation's
// conditions. It is computed before its parent and never written out.
func WithSubvariable(name string, def Definition) Option {
	return func(d *Definition) {
		d.subs = append(d.subs, namedDefinition{name: name, def: def})
	}
}

// ---------------------------------------------------------------------------
// Expectation helpers
// ---------------------------------------------------------------------------

// Incidence returns a pointer to f for Expectations.Incidence.
func Incidence(f float64) *float64 { return &f }
