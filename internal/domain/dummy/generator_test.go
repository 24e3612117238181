package dummy

import (
	"testing"
	"time"

	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
)

var today = time.Date(2021, 9, 1, 0, 0, 0, 0, time.UTC)

func testSpec(t *testing.T) *cohort.Spec {
	t.Helper()
	heart := codelist.New("heart", codelist.SystemSNOMED, "", []codelist.Code{{Code: "22298006"}})
	spec, err := cohort.NewBuilder(codelist.NewRegistry(heart)).
		Constant("study_end", "2021-08-31").
		IndexDate("2020-03-23").
		DefaultExpectations(cohort.Expectations{
			Date: &cohort.DateExpectation{Earliest: "1900-01-01", Latest: "today"},
			Rate: "uniform",
		}).
		Population(cohort.RegisteredWithOnePracticeBetween("index_date - 1 year", "index_date")).
		Add("age", cohort.AgeAsOf("index_date", cohort.Expect(cohort.Expectations{
			Rate: "universal", Int: &cohort.IntExpectation{Distribution: "population_ages"},
		}))).
		Add("sex", cohort.Sex(cohort.Expect(cohort.Expectations{
			Rate:     "universal",
			Category: &cohort.CategoryExpectation{Ratios: map[string]float64{"M": 0.49, "F": 0.51}},
		}))).
		Add("heart_disease", cohort.ClinicalEvents("heart", cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(0.2)}))).
		Add("event_dt", cohort.ClinicalEvents("heart", cohort.Between("index_date", "study_end"),
			cohort.Returns(cohort.ReturnDate), cohort.Expect(cohort.Expectations{
				Incidence: cohort.Incidence(0.3),
				Date:      &cohort.DateExpectation{Earliest: "index_date", Latest: "study_end"},
			}))).
		Add("band", cohort.CategorisedAs([]cohort.Rule{
			cohort.When("old", "age > 70"),
			cohort.Default("young"),
		})).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return spec
}

func TestGenerate_Deterministic(t *testing.T) {
	spec := testSpec(t)
	a, err := NewGenerator(42, today).Generate(spec, 200)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := NewGenerator(42, today).Generate(spec, 200)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.RunID != b.RunID {
		t.Error("expected identical run ids for the same seed")
	}
	for i := range a.Rows {
		for j := range a.Rows[i].Values {
			if !a.Rows[i].Values[j].Equal(b.Rows[i].Values[j]) {
				t.Fatalf("row %d column %d differs", i, j)
			}
		}
	}

	c, err := NewGenerator(43, today).Generate(spec, 200)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if c.RunID == a.RunID {
		t.Error("expected different run id for a different seed")
	}
}

func TestGenerate_HonoursExpectations(t *testing.T) {
	spec := testSpec(t)
	const n = 2000
	ds, err := NewGenerator(7, today).Generate(spec, n)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(ds.Rows) != n {
		t.Fatalf("expected %d rows, got %d", n, len(ds.Rows))
	}

	index := time.Date(2020, 3, 23, 0, 0, 0, 0, time.UTC)
	end := time.Date(2021, 8, 31, 0, 0, 0, 0, time.UTC)
	var flags, dates int
	for _, row := range ds.Rows {
		age, _ := ds.Value(row.PatientID, "age")
		if a, ok := age.AsNumber(); !ok || a < 0 || a > 105 {
			t.Fatalf("age out of range: %v", age)
		}
		sex, _ := ds.Value(row.PatientID, "sex")
		if s, _ := sex.AsString(); s != "M" && s != "F" {
			t.Fatalf("unexpected sex %v", sex)
		}
		if hd, _ := ds.Value(row.PatientID, "heart_disease"); hd.String() == "1" {
			flags++
		}
		dt, _ := ds.Value(row.PatientID, "event_dt")
		if d, ok := dt.AsDate(); ok {
			dates++
			if d.Before(index) || d.After(end) {
				t.Fatalf("date %s outside expectation window", d)
			}
		}
		band, _ := ds.Value(row.PatientID, "band")
		if s, _ := band.AsString(); s != "old" && s != "young" {
			t.Fatalf("unexpected band %v", band)
		}
	}

	if rate := float64(flags) / n; rate < 0.15 || rate > 0.25 {
		t.Errorf("expected heart_disease incidence near 0.2, got %.3f", rate)
	}
	if rate := float64(dates) / n; rate < 0.25 || rate > 0.35 {
		t.Errorf("expected event_dt incidence near 0.3, got %.3f", rate)
	}
}

func TestGenerate_BadExpectationWindow(t *testing.T) {
	spec, err := cohort.NewBuilder(nil).
		IndexDate("2020-03-23").
		Population(cohort.RegisteredWithOnePracticeBetween("index_date - 1 year", "index_date")).
		Add("died", cohort.DiedFromAnyCause(cohort.Returns(cohort.ReturnDateOfDeath), cohort.Expect(cohort.Expectations{
			Date: &cohort.DateExpectation{Earliest: "today", Latest: "index_date"},
		}))).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := NewGenerator(1, today).Generate(spec, 10); err == nil {
		t.Error("expected error for reversed expectation dates")
	}
	if _, err := NewGenerator(1, today).Generate(spec, -1); err == nil {
		t.Error("expected error for negative count")
	}
}

func TestGenerate_DistributionShape(t *testing.T) {
	spec := testSpec(t)
	const n = 4000
	ds, err := NewGenerator(11, today).Generate(spec, n)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var female int
	var ageSum float64
	for _, row := range ds.Rows {
		sex, _ := ds.Value(row.PatientID, "sex")
		if s, _ := sex.AsString(); s == "F" {
			female++
		}
		age, _ := ds.Value(row.PatientID, "age")
		a, _ := age.AsNumber()
		ageSum += a
	}

	if share := float64(female) / n; share < 0.47 || share > 0.55 {
		t.Errorf("expected female share near 0.51, got %.3f", share)
	}
	if mean := ageSum / n; mean < 38 || mean > 46 {
		t.Errorf("expected mean age near 42, got %.1f", mean)
	}
}
