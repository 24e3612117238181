package cohort

import (
	"fmt"
	"time"

	"github.com/ehr/cohort/internal/domain/codelist"
)

// PopulationName is the reserved name of the population predicate.
const PopulationName = "population"

var validRates = map[string]bool{
	"":                     true,
	"universal":            true,
	"uniform":              true,
	"exponential_increase": true,
}

var validTestResults = map[string]bool{
	"positive": true,
	"negative": true,
	"any":      true,
}

// Builder assembles a Spec from named definitions. Nothing is validated
// until Build, which reports every problem at once.
type Builder struct {
	codelists  CodelistLookup
	indexDate  string
	constants  []rawConstant
	defaults   *Expectations
	population *Definition
	entries    []namedDefinition
}

type rawConstant struct {
	name string
	date string
}

// NewBuilder starts a specification whose codelist references resolve
// against codelists.
func NewBuilder(codelists CodelistLookup) *Builder {
	if codelists == nil {
		codelists = codelist.NewRegistry()
	}
	return &Builder{codelists: codelists}
}

// IndexDate sets the anchor date: a literal date or a constant's name.
func (b *Builder) IndexDate(expr string) *Builder {
	b.indexDate = expr
	return b
}

// Constant declares a named calendar date usable in any date expression.
func (b *Builder) Constant(name, date string) *Builder {
	b.constants = append(b.constants, rawConstant{name: name, date: date})
	return b
}

// DefaultExpectations sets expectations merged under every variable's own.
func (b *Builder) DefaultExpectations(e Expectations) *Builder {
	b.defaults = e.clone()
	return b
}

// Population sets the cohort membership predicate.
func (b *Builder) Population(def Definition) *Builder {
	d := def
	b.population = &d
	return b
}

// Add appends a named variable. Declaration order is output column order.
func (b *Builder) Add(name string, def Definition) *Builder {
	b.entries = append(b.entries, namedDefinition{name: name, def: def})
	return b
}

// Build validates the accumulated definitions and returns the specification.
func (b *Builder) Build() (*Spec, error) {
	c := &compiler{
		spec: &Spec{
			constIndex: make(map[string]time.Time),
			index:      make(map[string]int),
			codelists:  make(map[string]*codelist.Codelist),
		},
		lookup: b.codelists,
	}

	c.compileConstants(b.constants)
	c.compileIndexDate(b.indexDate)
	if b.defaults != nil {
		cp := *b.defaults
		c.spec.defaults = &cp
		c.checkExpectations("default_expectations", b.defaults, nil)
	}

	if b.population == nil {
		c.problem(PopulationName, "population predicate is required")
	} else {
		if pop, ok := c.compileVariable(PopulationName, *b.population, "", true); ok {
			if pop.OutputType() != OutputBoolean {
				c.problem(PopulationName, "population predicate must return a binary flag, got %s", pop.Returning)
			}
			c.spec.population = pop
		}
	}

	seen := make(map[string]bool)
	for _, e := range b.entries {
		if seen[e.name] {
			c.problem(e.name, "duplicate variable name")
			continue
		}
		seen[e.name] = true
		c.compileNamed(e.name, e.def, "")
	}

	if len(c.problems) > 0 {
		return nil, &ValidationError{Problems: c.problems}
	}
	return c.spec, nil
}

type compiler struct {
	spec     *Spec
	lookup   CodelistLookup
	problems []Problem
}

func (c *compiler) problem(variable, format string, args ...interface{}) {
	c.problems = append(c.problems, Problem{Variable: variable, Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) compileConstants(raw []rawConstant) {
	for _, rc := range raw {
		switch {
		case !isIdent(rc.name):
			c.problem(rc.name, "constant name must be an identifier")
			continue
		case isReserved(rc.name):
			c.problem(rc.name, "constant name is reserved")
			continue
		}
		if _, dup := c.spec.constIndex[rc.name]; dup {
			c.problem(rc.name, "duplicate constant")
			continue
		}
		d, err := ParseDate(rc.date)
		if err != nil {
			c.problem(rc.name, "%v", err)
			continue
		}
		c.spec.constIndex[rc.name] = d
		c.spec.constants = append(c.spec.constants, Constant{Name: rc.name, Date: d})
	}
}

func (c *compiler) compileIndexDate(expr string) {
	c.spec.indexExpr = expr
	if expr == "" {
		c.problem(IndexDateName, "index date is required")
		return
	}
	if d, ok := c.spec.constIndex[expr]; ok {
		c.spec.indexDate = d
		return
	}
	d, err := ParseDate(expr)
	if err != nil {
		c.problem(IndexDateName, "index date %q is neither a date nor a declared constant", expr)
		return
	}
	c.spec.indexDate = d
}

// compileNamed compiles a variable and, first, its hidden sub-variables.
func (c *compiler) compileNamed(name string, def Definition, parent string) {
	for _, sub := range def.subs {
		c.compileNamed(sub.name, sub.def, name)
	}
	if v, ok := c.compileVariable(name, def, parent, false); ok {
		c.spec.index[name] = len(c.spec.variables)
		c.spec.variables = append(c.spec.variables, v)
	}
}

func (c *compiler) compileVariable(name string, def Definition, parent string, isPopulation bool) (Variable, bool) {
	before := len(c.problems)
	v := def.v
	v.Name = name
	v.Parent = parent
	v.Hidden = parent != ""

	for _, msg := range def.errs {
		c.problem(name, "%s", msg)
	}

	if !isPopulation {
		switch {
		case !isIdent(name):
			c.problem(name, "variable name must be an identifier")
		case isReserved(name):
			c.problem(name, "variable name is reserved")
		default:
			if _, dup := c.spec.index[name]; dup {
				c.problem(name, "duplicate variable name")
			}
			if _, dup := c.spec.constIndex[name]; dup {
				c.problem(name, "variable name shadows a constant")
			}
		}
	}

	legal, known := legalReturning[v.Source.Kind]
	if !known {
		c.problem(name, "unknown source %q", v.Source.Kind)
		return v, false
	}
	if v.Returning == "" {
		v.Returning = legal[0]
	} else if !containsReturning(legal, v.Returning) {
		c.problem(name, "%s cannot return %q", v.Source.Kind, v.Returning)
	}

	v.Selection = c.selection(name, v, def.selections)

	if !validDateFormat(v.DateFormat) {
		c.problem(name, "unsupported date format %q", v.DateFormat)
	} else if v.DateFormat != "" && v.OutputType() != OutputDate {
		c.problem(name, "date format set on a %s variable", v.OutputType())
	}
	if v.OutputType() == OutputDate && v.DateFormat == "" {
		v.DateFormat = DateFormatDay
	}

	c.checkWindow(name, v)
	c.checkSource(name, &v)

	if v.Source.Kind == SourceCategorisedAs {
		c.compileRules(name, &v)
	} else {
		if len(v.Rules) > 0 {
			c.problem(name, "only categorised_as variables take categorisation rules")
		}
		if len(def.subs) > 0 {
			c.problem(name, "only categorised_as variables declare sub-variables")
		}
	}

	c.checkExpectations(name, v.Expectations, &v)
	return v, len(c.problems) == before
}

func (c *compiler) selection(name string, v Variable, requested []Selection) Selection {
	if len(requested) > 1 {
		for _, s := range requested[1:] {
			if s != requested[0] {
				c.problem(name, "conflicting selection policies %q and %q", requested[0], s)
				return requested[0]
			}
		}
	}
	if len(requested) == 0 {
		return defaultSelection(v)
	}
	s := requested[0]
	switch s {
	case SelectFirst, SelectLast:
		if !isEventSource(v.Source.Kind) {
			c.problem(name, "%s does not support first/last match selection", v.Source.Kind)
		}
	case SelectAny, SelectBinary:
	default:
		c.problem(name, "unknown selection %q", s)
	}
	return s
}

func isEventSource(k SourceKind) bool {
	return k == SourceClinicalEvents || k == SourceTestResultSGSS || k == SourceAdmitted
}

// defaultSelection is the policy applied when none was requested: binary
// flags report existence, other event values come from the latest match.
func defaultSelection(v Variable) Selection {
	switch {
	case v.Returning == ReturnBinaryFlag:
		return SelectBinary
	case isEventSource(v.Source.Kind) && v.Returning != ReturnMatchCount:
		return SelectLast
	default:
		return SelectAny
	}
}

func (c *compiler) checkWindow(name string, v Variable) {
	w := v.Window
	switch v.Source.Kind {
	case SourceAgeAsOf, SourceAddressAsOf:
		if w.Kind != WindowAsOf {
			c.problem(name, "%s requires an as-of date", v.Source.Kind)
			return
		}
	case SourceRegistered:
		if w.Kind != WindowBetween {
			c.problem(name, "%s requires a between window", v.Source.Kind)
			return
		}
	case SourceSex, SourceEthnicityFromSUS, SourceCategorisedAs:
		if w.Kind != WindowNone {
			c.problem(name, "%s does not take a date window", v.Source.Kind)
		}
		return
	default:
		if w.Kind == WindowAsOf {
			c.problem(name, "%s takes a window, not an as-of date", v.Source.Kind)
			return
		}
	}

	switch w.Kind {
	case WindowBetween:
		if w.Start == nil || w.End == nil {
			return // parse error already reported
		}
	case WindowOnOrBefore, WindowAsOf:
		if w.End == nil {
			return
		}
	case WindowOnOrAfter:
		if w.Start == nil {
			return
		}
	}

	for _, ref := range w.Refs() {
		c.checkDateRef(name, ref)
	}

	if w.Kind == WindowBetween {
		start, sok := c.spec.StaticDate(*w.Start)
		end, eok := c.spec.StaticDate(*w.End)
		if sok && eok && start.After(end) {
			c.problem(name, "window start %s (%s) is after end %s (%s)",
				w.Start, start.Format(isoDate), w.End, end.Format(isoDate))
		}
	}
}

// checkDateRef ensures a window bound names a literal date, the index date,
// a constant, or a previously defined date-returning variable.
func (c *compiler) checkDateRef(name string, ref DateExpr) {
	if _, ok := ref.Literal(); ok {
		return
	}
	switch ref.Base {
	case IndexDateName:
		return
	case TodayName:
		c.problem(name, "%q is only permitted in return expectations", TodayName)
		return
	}
	if _, ok := c.spec.constIndex[ref.Base]; ok {
		return
	}
	i, ok := c.spec.index[ref.Base]
	if !ok {
		c.problem(name, "window references %q, which is not a constant or a previously defined variable", ref.Base)
		return
	}
	if dep := c.spec.variables[i]; dep.OutputType() != OutputDate {
		c.problem(name, "window references %q, which returns %s rather than a date", ref.Base, dep.OutputType())
	}
}

func (c *compiler) checkSource(name string, v *Variable) {
	src := v.Source
	switch src.Kind {
	case SourceClinicalEvents:
		if src.Codelist == "" {
			c.problem(name, "clinical events require a codelist")
			return
		}
		c.resolveCodelist(name, v)
		if cl, ok := c.spec.codelists[name]; ok && v.Returning == ReturnCategory && len(cl.Categories()) == 0 {
			c.problem(name, "returning category requires a categorised codelist, %s has none", src.Codelist)
		}
	case SourceAdmitted:
		if src.Codelist != "" {
			c.resolveCodelist(name, v)
		} else if len(src.IncludeCategories) > 0 {
			c.problem(name, "category filter given without a codelist")
		}
	case SourceTestResultSGSS:
		if src.Pathogen == "" {
			c.problem(name, "pathogen is required")
		}
		if !validTestResults[src.TestResult] {
			c.problem(name, "test result must be positive, negative or any, got %q", src.TestResult)
		}
	case SourceAddressAsOf:
		if src.RoundToNearest < 0 {
			c.problem(name, "round_to_nearest must not be negative")
		}
	}
	if src.Kind != SourceClinicalEvents && src.Kind != SourceAdmitted && src.Codelist != "" {
		c.problem(name, "%s does not take a codelist", src.Kind)
	}
}

func (c *compiler) resolveCodelist(name string, v *Variable) {
	cl, ok := c.lookup.Codelist(v.Source.Codelist)
	if !ok {
		c.problem(name, "unknown codelist %q", v.Source.Codelist)
		return
	}
	if len(v.Source.IncludeCategories) > 0 {
		for _, cat := range v.Source.IncludeCategories {
			if !cl.HasCategory(cat) {
				c.problem(name, "codelist %s has no category %q", cl.Name(), cat)
			}
		}
		cl = cl.FilterByCategory(v.Source.IncludeCategories...)
	}
	c.spec.codelists[name] = cl
}

func (c *compiler) compileRules(name string, v *Variable) {
	if len(v.Rules) == 0 {
		c.problem(name, "categorised_as requires at least one rule")
		return
	}
	defaults := 0
	labels := make(map[string]bool, len(v.Rules))
	rules := make([]Rule, len(v.Rules))
	for i, r := range v.Rules {
		rules[i] = r
		if labels[r.Label] {
			c.problem(name, "duplicate category label %q", r.Label)
		}
		labels[r.Label] = true
		if r.IsDefault() {
			defaults++
			continue
		}
		cond, err := ParseCondition(r.Condition)
		if err != nil {
			c.problem(name, "category %q: %v", r.Label, err)
			continue
		}
		for _, ident := range cond.Identifiers() {
			if _, ok := c.spec.index[ident]; !ok {
				c.problem(name, "category %q references %q, which is not a previously defined variable", r.Label, ident)
			}
		}
		rules[i].parsed = cond
	}
	switch {
	case defaults == 0:
		c.problem(name, "categorisation has no DEFAULT rule")
	case defaults > 1:
		c.problem(name, "categorisation has %d DEFAULT rules", defaults)
	}
	v.Rules = rules
}

func (c *compiler) checkExpectations(name string, e *Expectations, v *Variable) {
	if e == nil {
		return
	}
	if !validRates[e.Rate] {
		c.problem(name, "unknown expectation rate %q", e.Rate)
	}
	if e.Incidence != nil && (*e.Incidence < 0 || *e.Incidence > 1) {
		c.problem(name, "incidence %.3f outside [0, 1]", *e.Incidence)
	}
	if e.Date != nil {
		for _, s := range []string{e.Date.Earliest, e.Date.Latest} {
			if s == "" {
				continue
			}
			ref, err := ParseDateExpr(s)
			if err != nil {
				c.problem(name, "expectation date: %v", err)
				continue
			}
			if _, ok := c.spec.StaticDate(ref); !ok && ref.Base != TodayName {
				c.problem(name, "expectation date %q must be a date, index_date, today, or a constant", s)
			}
		}
	}
	if e.Category != nil {
		for label, ratio := range e.Category.Ratios {
			if ratio < 0 {
				c.problem(name, "negative ratio for category %q", label)
			}
			if v != nil && v.Source.Kind == SourceCategorisedAs && !hasLabel(v.Rules, label) {
				c.problem(name, "expectation ratio for unknown category %q", label)
			}
		}
	}
}

func hasLabel(rules []Rule, label string) bool {
	for _, r := range rules {
		if r.Label == label {
			return true
		}
	}
	return false
}

func containsReturning(list []Returning, r Returning) bool {
	for _, x := range list {
		if x == r {
			return true
		}
	}
	return false
}

func isReserved(name string) bool {
	switch name {
	case IndexDateName, TodayName, PopulationName, "patient_id", DefaultCondition:
		return true
	}
	return false
}

func isIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}
