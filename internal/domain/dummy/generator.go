// Package dummy generates synthetic datasets from a specification's return
// expectations, for exercising downstream analysis without patient data.
package dummy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/extract"
)

const (
	defaultEarliest = "1900-01-01"
	maxIMD          = 32844
)

// Generator draws dummy rows. The random source is the one gonum's
// distributions consume. A Generator is not safe for concurrent use.
type Generator struct {
	seed  uint64
	rng   *rand.Rand
	today time.Time
}

// NewGenerator returns a generator whose output is fully determined by seed.
// today anchors expectations that refer to the current date.
func NewGenerator(seed uint64, today time.Time) *Generator {
	return &Generator{
		seed:  seed,
		rng:   rand.New(rand.NewSource(seed)),
		today: today.UTC().Truncate(24 * time.Hour),
	}
}

// Generate returns n rows for the specification's output columns.
func (g *Generator) Generate(spec *cohort.Spec, n int) (*extract.Dataset, error) {
	if n < 0 {
		return nil, fmt.Errorf("dummy: negative row count %d", n)
	}
	columns := spec.Columns()
	plans := make([]plan, len(columns))
	for i, v := range columns {
		p, err := g.plan(spec, v)
		if err != nil {
			return nil, fmt.Errorf("dummy: %s: %w", v.Name, err)
		}
		plans[i] = p
	}

	ds := &extract.Dataset{
		RunID:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("dummy/%d/%d", g.seed, n))),
		Columns: columns,
		Rows:    make([]extract.Row, n),
	}
	for r := 0; r < n; r++ {
		row := extract.Row{PatientID: int64(r + 1), Values: make([]cohort.Value, len(columns))}
		for i := range columns {
			row.Values[i] = g.draw(plans[i])
		}
		ds.Rows[r] = row
	}
	return ds, nil
}

// plan is a variable's expectations resolved against the specification.
type plan struct {
	out       cohort.OutputType
	returning cohort.Returning
	incidence float64
	skewLate  bool

	earliest, latest time.Time

	labels  []string
	weights []float64

	ages bool
}

func (g *Generator) plan(spec *cohort.Spec, v cohort.Variable) (plan, error) {
	e := v.Expectations.Merge(spec.DefaultExpectations())
	p := plan{
		out:       v.OutputType(),
		returning: v.Returning,
		skewLate:  e.Rate == "exponential_increase",
		ages:      e.Int != nil && e.Int.Distribution == "population_ages",
	}

	// A universal rate means every patient has a value unless the variable
	// itself sets an incidence.
	switch {
	case v.Expectations != nil && v.Expectations.Incidence != nil:
		p.incidence = *v.Expectations.Incidence
	case e.Rate == "universal":
		p.incidence = 1
	case e.Incidence != nil:
		p.incidence = *e.Incidence
	case p.out == cohort.OutputBoolean:
		p.incidence = 0.5
	default:
		p.incidence = 1
	}

	if p.out == cohort.OutputDate {
		earliest, latest := defaultEarliest, cohort.TodayName
		if e.Date != nil {
			if e.Date.Earliest != "" {
				earliest = e.Date.Earliest
			}
			if e.Date.Latest != "" {
				latest = e.Date.Latest
			}
		}
		var err error
		if p.earliest, err = g.resolve(spec, earliest); err != nil {
			return plan{}, err
		}
		if p.latest, err = g.resolve(spec, latest); err != nil {
			return plan{}, err
		}
		if p.latest.Before(p.earliest) {
			return plan{}, fmt.Errorf("expected dates end %s before they start %s", latest, earliest)
		}
	}

	if p.out == cohort.OutputCategory {
		var ratios map[string]float64
		if e.Category != nil {
			ratios = e.Category.Ratios
		}
		if len(ratios) == 0 && v.Source.Kind == cohort.SourceCategorisedAs {
			ratios = make(map[string]float64, len(v.Rules))
			for _, r := range v.Rules {
				ratios[r.Label] = 1
			}
		}
		for label := range ratios {
			p.labels = append(p.labels, label)
		}
		sort.Strings(p.labels)
		for _, label := range p.labels {
			p.weights = append(p.weights, ratios[label])
		}
	}
	return p, nil
}

func (g *Generator) resolve(spec *cohort.Spec, s string) (time.Time, error) {
	expr, err := cohort.ParseDateExpr(s)
	if err != nil {
		return time.Time{}, err
	}
	if expr.Base == cohort.TodayName {
		t, _ := spec.ResolveDate(expr, func(string) (time.Time, bool) { return g.today, true })
		return t, nil
	}
	t, ok := spec.StaticDate(expr)
	if !ok {
		return time.Time{}, fmt.Errorf("expectation date %q does not resolve", s)
	}
	return t, nil
}

func (g *Generator) draw(p plan) cohort.Value {
	present := g.rng.Float64() < p.incidence
	if p.out == cohort.OutputBoolean {
		return cohort.Bool(present)
	}
	if !present {
		if p.returning == cohort.ReturnMatchCount {
			return cohort.Number(0)
		}
		return cohort.Null()
	}

	switch p.out {
	case cohort.OutputDate:
		span := p.latest.Sub(p.earliest).Hours() / 24
		u := g.rng.Float64()
		if p.skewLate {
			u = math.Sqrt(u)
		}
		return cohort.DateValue(p.earliest.AddDate(0, 0, int(math.Round(u*span))))
	case cohort.OutputCategory:
		if len(p.labels) == 0 {
			return cohort.Null()
		}
		return cohort.String(p.labels[g.weighted(p.weights)])
	default:
		return cohort.Number(g.number(p))
	}
}

func (g *Generator) weighted(weights []float64) int {
	var total float64
	for _, w := range weights {
		if w < 0 {
			return g.rng.Intn(len(weights))
		}
		total += w
	}
	if total <= 0 {
		return g.rng.Intn(len(weights))
	}
	return int(distuv.NewCategorical(weights, g.rng).Rand())
}

func (g *Generator) number(p plan) float64 {
	switch {
	case p.ages || p.returning == cohort.ReturnAge:
		age := math.Round(distuv.Normal{Mu: 42, Sigma: 20, Src: g.rng}.Rand())
		return math.Max(0, math.Min(105, age))
	case p.returning == cohort.ReturnIMD:
		return float64(g.rng.Intn(maxIMD/100+1) * 100)
	default:
		return float64(1 + g.rng.Intn(5))
	}
}
