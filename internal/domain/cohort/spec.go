package cohort

import (
	"time"

	"github.com/ehr/cohort/internal/domain/codelist"
)

// Spec is a validated, immutable cohort specification; accessors return deep
// copies. Variables are kept in evaluation order: every variable appears
// after the variables it depends on, hidden sub-variables immediately before
// their parent.
type Spec struct {
	indexExpr  string
	indexDate  time.Time
	constants  []Constant
	constIndex map[string]time.Time
	defaults   *Expectations
	population Variable

	variables []Variable
	index     map[string]int
	codelists map[string]*codelist.Codelist
}

// IndexDate returns the resolved study anchor date.
func (s *Spec) IndexDate() time.Time { return s.indexDate }

// IndexDateExpr returns the index date as declared.
func (s *Spec) IndexDateExpr() string { return s.indexExpr }

// Constants returns the named dates in declaration order.
func (s *Spec) Constants() []Constant {
	return append([]Constant(nil), s.constants...)
}

// Constant returns the date bound to name.
func (s *Spec) Constant(name string) (time.Time, bool) {
	d, ok := s.constIndex[name]
	return d, ok
}

// DefaultExpectations returns the study-wide expectations, nil if unset.
func (s *Spec) DefaultExpectations() *Expectations { return s.defaults.clone() }

// Population returns the cohort membership predicate.
func (s *Spec) Population() Variable { return s.population.clone() }

// Variables returns all variables, hidden ones included, in evaluation order.
func (s *Spec) Variables() []Variable {
	out := make([]Variable, len(s.variables))
	for i, v := range s.variables {
		out[i] = v.clone()
	}
	return out
}

// Columns returns the output variables in column order.
func (s *Spec) Columns() []Variable {
	out := make([]Variable, 0, len(s.variables))
	for _, v := range s.variables {
		if !v.Hidden {
			out = append(out, v.clone())
		}
	}
	return out
}

// ColumnNames returns the output header: patient_id followed by every
// visible variable.
func (s *Spec) ColumnNames() []string {
	names := []string{"patient_id"}
	for _, v := range s.variables {
		if !v.Hidden {
			names = append(names, v.Name)
		}
	}
	return names
}

// Variable looks a variable up by name.
func (s *Spec) Variable(name string) (Variable, bool) {
	i, ok := s.index[name]
	if !ok {
		return Variable{}, false
	}
	return s.variables[i].clone(), true
}

// Subvariables returns the hidden variables declared by parent.
func (s *Spec) Subvariables(parent string) []Variable {
	var out []Variable
	for _, v := range s.variables {
		if v.Parent == parent {
			out = append(out, v.clone())
		}
	}
	return out
}

// CodelistFor returns the codelist a variable matches against, with any
// category filter already applied.
func (s *Spec) CodelistFor(variable string) (*codelist.Codelist, bool) {
	cl, ok := s.codelists[variable]
	return cl, ok
}

// StaticDate resolves a date expression that does not depend on patient
// data: literals, the index date and constants.
func (s *Spec) StaticDate(d DateExpr) (time.Time, bool) {
	if t, ok := d.Literal(); ok {
		return d.Offset.apply(t), true
	}
	if d.Base == IndexDateName {
		if s.indexDate.IsZero() {
			return time.Time{}, false
		}
		return d.Offset.apply(s.indexDate), true
	}
	if t, ok := s.constIndex[d.Base]; ok {
		return d.Offset.apply(t), true
	}
	return time.Time{}, false
}

// ResolveDate resolves a date expression for one patient. lookup supplies
// the values of date variables already computed for that patient. ok is
// false when the expression names a variable that is null.
func (s *Spec) ResolveDate(d DateExpr, lookup func(name string) (time.Time, bool)) (time.Time, bool) {
	if t, ok := s.StaticDate(d); ok {
		return t, true
	}
	if lookup == nil {
		return time.Time{}, false
	}
	t, ok := lookup(d.Base)
	if !ok {
		return time.Time{}, false
	}
	return d.Offset.apply(t), true
}
