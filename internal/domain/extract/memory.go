package extract

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/cohort/internal/domain/cohort"
)

const DefaultWorkers = 4

// MemoryResolver evaluates a specification against an in-memory snapshot.
// It is the reference implementation of the extraction semantics, used for
// dry runs and to check study logic against hand-built fixtures.
type MemoryResolver struct {
	workers int
	logger  zerolog.Logger
}

// NewMemoryResolver creates a resolver evaluating up to workers patients
// concurrently.
func NewMemoryResolver(workers int, logger zerolog.Logger) *MemoryResolver {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &MemoryResolver{workers: workers, logger: logger}
}

// Resolve evaluates every patient. Rows keep snapshot order.
func (r *MemoryResolver) Resolve(ctx context.Context, spec *cohort.Spec, snap *Snapshot) (*Dataset, error) {
	if spec == nil {
		return nil, fmt.Errorf("resolve: nil specification")
	}
	if snap == nil {
		snap = &Snapshot{}
	}
	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	runID := uuid.New()
	start := time.Now()
	columns := spec.Columns()
	results := make([]*Row, len(snap.Patients))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range snap.Patients {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = evaluatePatient(spec, columns, &snap.Patients[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}

	ds := &Dataset{RunID: runID, Columns: columns}
	for _, row := range results {
		if row != nil {
			ds.Rows = append(ds.Rows, *row)
		}
	}

	r.logger.Info().
		Str("run_id", runID.String()).
		Int("patients", len(snap.Patients)).
		Int("included", len(ds.Rows)).
		Int("columns", len(columns)).
		Dur("duration", time.Since(start)).
		Msg("extraction complete")
	return ds, nil
}

// evaluatePatient returns nil when the patient is outside the population.
func evaluatePatient(spec *cohort.Spec, columns []cohort.Variable, p *Patient) *Row {
	ev := &evaluator{spec: spec, p: p, values: make(map[string]cohort.Value)}

	if included, _ := ev.eval(spec.Population()).AsBool(); !included {
		return nil
	}
	for _, v := range spec.Variables() {
		ev.values[v.Name] = ev.eval(v)
	}

	row := &Row{PatientID: p.ID, Values: make([]cohort.Value, len(columns))}
	for i, c := range columns {
		row.Values[i] = ev.values[c.Name]
	}
	return row
}

type evaluator struct {
	spec   *cohort.Spec
	p      *Patient
	values map[string]cohort.Value
}

func (ev *evaluator) lookupDate(name string) (time.Time, bool) {
	return ev.values[name].AsDate()
}

// bounds is a resolved window. A nil bound is open.
type bounds struct {
	start, end *time.Time
}

func (b bounds) contains(t time.Time) bool {
	if b.start != nil && t.Before(*b.start) {
		return false
	}
	if b.end != nil && t.After(*b.end) {
		return false
	}
	return true
}

// window resolves v's window for this patient. ok is false when a bound
// references a null variable or the bounds are reversed; nothing matches.
func (ev *evaluator) window(v cohort.Variable) (bounds, bool) {
	var b bounds
	if v.Window.Start != nil {
		t, ok := ev.spec.ResolveDate(*v.Window.Start, ev.lookupDate)
		if !ok {
			return b, false
		}
		b.start = &t
	}
	if v.Window.End != nil {
		t, ok := ev.spec.ResolveDate(*v.Window.End, ev.lookupDate)
		if !ok {
			return b, false
		}
		b.end = &t
	}
	if b.start != nil && b.end != nil && b.start.After(*b.end) {
		return b, false
	}
	return b, true
}

func noMatch(v cohort.Variable) cohort.Value {
	if v.OutputType() == cohort.OutputBoolean {
		return cohort.Bool(false)
	}
	if v.Returning == cohort.ReturnMatchCount {
		return cohort.Number(0)
	}
	return cohort.Null()
}

func (ev *evaluator) eval(v cohort.Variable) cohort.Value {
	switch v.Source.Kind {
	case cohort.SourceSex:
		if ev.p.Sex == "" {
			return cohort.Null()
		}
		return cohort.String(ev.p.Sex)
	case cohort.SourceEthnicityFromSUS:
		return ev.ethnicity(v)
	case cohort.SourceCategorisedAs:
		return cohort.String(v.Classify(func(name string) cohort.Value { return ev.values[name] }))
	}

	w, ok := ev.window(v)
	if !ok {
		return noMatch(v)
	}

	switch v.Source.Kind {
	case cohort.SourceAgeAsOf:
		return ev.age(w)
	case cohort.SourceAddressAsOf:
		return ev.address(v, w)
	case cohort.SourceDiedFromAnyCause:
		if ev.p.DateOfDeath == nil || !w.contains(ev.p.DateOfDeath.Time) {
			return noMatch(v)
		}
		if v.Returning == cohort.ReturnBinaryFlag {
			return cohort.Bool(true)
		}
		return cohort.DateValue(ev.p.DateOfDeath.Time)
	case cohort.SourceRegistered:
		return cohort.Bool(ev.registered(w))
	case cohort.SourceClinicalEvents:
		return ev.clinicalEvents(v, w)
	case cohort.SourceTestResultSGSS:
		return ev.testResults(v, w)
	case cohort.SourceAdmitted:
		return ev.admissions(v, w)
	}
	return cohort.Null()
}

func (ev *evaluator) age(w bounds) cohort.Value {
	if ev.p.DateOfBirth == nil || w.end == nil {
		return cohort.Null()
	}
	dob, on := ev.p.DateOfBirth.Time, *w.end
	if on.Before(dob) {
		return cohort.Null()
	}
	years := on.Year() - dob.Year()
	if on.Month() < dob.Month() || (on.Month() == dob.Month() && on.Day() < dob.Day()) {
		years--
	}
	return cohort.Number(float64(years))
}

func (ev *evaluator) address(v cohort.Variable, w bounds) cohort.Value {
	if w.end == nil {
		return cohort.Null()
	}
	on := *w.end
	var current *Address
	for i := range ev.p.Addresses {
		a := &ev.p.Addresses[i]
		if a.Start.After(on) || (a.End != nil && a.End.Before(on)) {
			continue
		}
		if current == nil || a.Start.After(current.Start.Time) {
			current = a
		}
	}
	if current == nil || current.IMD == nil {
		return cohort.Null()
	}
	imd := float64(*current.IMD)
	if n := float64(v.Source.RoundToNearest); n > 0 {
		imd = math.Round(imd/n) * n
	}
	return cohort.Number(imd)
}

func (ev *evaluator) ethnicity(v cohort.Variable) cohort.Value {
	group := func(e EthnicityRecord) string {
		if v.Returning == cohort.ReturnGroup16 {
			return e.Group16
		}
		return e.Group6
	}

	latest := make(map[string]time.Time)
	counts := make(map[string]int)
	var best string
	var bestDate time.Time
	for _, e := range ev.p.Ethnicities {
		g := group(e)
		if g == "" {
			continue
		}
		counts[g]++
		if e.Date.After(latest[g]) || counts[g] == 1 {
			latest[g] = e.Date.Time
		}
		if !v.Source.UseMostFrequentCode && (best == "" || !e.Date.Before(bestDate)) {
			best, bestDate = g, e.Date.Time
		}
	}
	if v.Source.UseMostFrequentCode {
		for g, n := range counts {
			switch {
			case best == "" || n > counts[best]:
				best = g
			case n == counts[best] && latest[g].After(latest[best]):
				best = g
			case n == counts[best] && latest[g].Equal(latest[best]) && g < best:
				best = g
			}
		}
	}
	if best == "" {
		return cohort.Null()
	}
	return cohort.String(best)
}

func (ev *evaluator) registered(w bounds) bool {
	if w.start == nil || w.end == nil {
		return false
	}
	for _, r := range ev.p.Registrations {
		if r.Start.After(*w.start) {
			continue
		}
		if r.End == nil || !r.End.Before(*w.end) {
			return true
		}
	}
	return false
}

// match is one qualifying record reduced to what selection needs.
type match struct {
	date     time.Time
	category string
}

// pick applies the variable's selection policy to matches, which are
// in record order.
func pick(v cohort.Variable, matches []match) cohort.Value {
	if len(matches) == 0 {
		return noMatch(v)
	}
	switch v.Returning {
	case cohort.ReturnBinaryFlag:
		return cohort.Bool(true)
	case cohort.ReturnMatchCount:
		return cohort.Number(float64(len(matches)))
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].date.Before(matches[j].date) })
	chosen := matches[len(matches)-1]
	if v.Selection == cohort.SelectFirst {
		chosen = matches[0]
	}
	if v.Returning == cohort.ReturnCategory {
		if chosen.category == "" {
			return cohort.Null()
		}
		return cohort.String(chosen.category)
	}
	return cohort.DateValue(chosen.date)
}

func (ev *evaluator) clinicalEvents(v cohort.Variable, w bounds) cohort.Value {
	cl, ok := ev.spec.CodelistFor(v.Name)
	if !ok {
		return noMatch(v)
	}
	var matches []match
	for _, e := range ev.p.ClinicalEvents {
		if !cl.Contains(e.Code) || !w.contains(e.Date.Time) {
			continue
		}
		cat, _ := cl.CategoryOf(e.Code)
		matches = append(matches, match{date: e.Date.Time, category: cat})
	}
	return pick(v, matches)
}

func (ev *evaluator) testResults(v cohort.Variable, w bounds) cohort.Value {
	var matches []match
	for _, t := range ev.p.TestResults {
		if !strings.EqualFold(t.Pathogen, v.Source.Pathogen) || !w.contains(t.Date.Time) {
			continue
		}
		if v.Source.TestResult != "any" && !strings.EqualFold(t.Result, v.Source.TestResult) {
			continue
		}
		matches = append(matches, match{date: t.Date.Time})
	}
	return pick(v, matches)
}

func (ev *evaluator) admissions(v cohort.Variable, w bounds) cohort.Value {
	cl, filtered := ev.spec.CodelistFor(v.Name)
	var matches []match
	for _, a := range ev.p.Admissions {
		if !w.contains(a.Admitted.Time) {
			continue
		}
		if filtered && !cl.Contains(a.PrimaryDiagnosis) {
			continue
		}
		matches = append(matches, match{date: a.Admitted.Time})
	}
	return pick(v, matches)
}
