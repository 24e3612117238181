// Package study holds the long-COVID outcomes study in patients with
// systemic lupus erythematosus: patients registered with one practice for
// the year before the pandemic start, their demographics and comorbidities,
// and diagnoses recorded after a positive SARS-CoV-2 test.
package study

import (
	"github.com/ehr/cohort/internal/domain/cohort"
)

// Study dates.
const (
	PandemicStart = "2020-03-23"
	StudyEnd      = "2021-08-31"
	CohortStart   = "2000-01-01"
)

// Codelists names every codelist the study reads.
var Codelists = []string{
	"clear_smoking_codes",
	"systemic_lupus_erytematosus_codes",
	"chronic_heart_disease_codes",
	"diabetes_codes",
	"hypertension_codes",
	"cancer_codes",
	"haematological_cancer_codes",
	"lung_cancer_codes",
	"azathioprine_codes",
	"ciclosporin_codes",
	"leftlunomide_codes",
	"mercaptopurine_codes",
	"methotrexate_codes",
	"penicilliamine_codes",
	"sulfasalazine_codes",
	"fatigue_codes",
	"depression_codes",
}

const (
	priorYear      = "index_date - 1 years"
	smokingStatusE = "most_recent_smoking_code = 'E' OR (most_recent_smoking_code = 'N' AND ever_smoked)"
)

var (
	dmards = []struct{ name, codelist string }{
		{"azathioprine_last_year", "azathioprine_codes"},
		{"ciclosporin_last_year", "ciclosporin_codes"},
		{"leftlunomide_last_year", "leftlunomide_codes"},
		{"mercaptopurine_last_year", "mercaptopurine_codes"},
		{"methotrexate_last_year", "methotrexate_codes"},
		{"penicilliamine_last_year", "penicilliamine_codes"},
		{"sulfasalazine_last_year", "sulfasalazine_codes"},
	}

	priorConditions = []struct{ name, codelist string }{
		{"heart_disease", "chronic_heart_disease_codes"},
		{"diabetes_prior", "diabetes_codes"},
		{"hypertension_prior", "hypertension_codes"},
		{"cancer_prior", "cancer_codes"},
		{"haematological_cancer_prior", "haematological_cancer_codes"},
		{"lung_cancer_prior", "lung_cancer_codes"},
	}

	outcomes = []struct {
		name, codelist string
		incidence      float64
		earliest       string
	}{
		{"new_fatigue_diagnoses", "fatigue_codes", 0.05, "2021-12-15"},
		{"new_cvd_diagnoses", "chronic_heart_disease_codes", 0.05, PandemicStart},
		{"new_depression_diagnoses", "depression_codes", 0.05, PandemicStart},
		{"new_lupus_diagnoses", "systemic_lupus_erytematosus_codes", 0.4, PandemicStart},
	}
)

func ratios(kv map[string]float64) *cohort.CategoryExpectation {
	return &cohort.CategoryExpectation{Ratios: kv}
}

func dates(earliest, latest string) *cohort.DateExpectation {
	return &cohort.DateExpectation{Earliest: earliest, Latest: latest}
}

// Builder returns the study's builder, ready to Build against codelists.
func Builder(codelists cohort.CodelistLookup) *cohort.Builder {
	b := cohort.NewBuilder(codelists).
		Constant("pandemic_start", PandemicStart).
		Constant("study_end", StudyEnd).
		Constant("cohort_start", CohortStart).
		IndexDate("pandemic_start").
		DefaultExpectations(cohort.Expectations{
			Date:      dates("1900-01-01", "today"),
			Rate:      "uniform",
			Incidence: cohort.Incidence(0.5),
		}).
		Population(cohort.RegisteredWithOnePracticeBetween(priorYear, "index_date"))

	// Demographics
	b.Add("age", cohort.AgeAsOf("index_date", cohort.Expect(cohort.Expectations{
		Rate: "universal",
		Int:  &cohort.IntExpectation{Distribution: "population_ages"},
	})))
	b.Add("imdQ5", cohort.CategorisedAs(
		[]cohort.Rule{
			cohort.Default("Unknown"),
			cohort.When("1 (most deprived)", "imd >= 0 AND imd < 32844*1/5"),
			cohort.When("2", "imd >= 32844*1/5 AND imd < 32844*2/5"),
			cohort.When("3", "imd >= 32844*2/5 AND imd < 32844*3/5"),
			cohort.When("4", "imd >= 32844*3/5 AND imd < 32844*4/5"),
			cohort.When("5 (least deprived)", "imd >= 32844*4/5 AND imd <= 32844"),
		},
		cohort.WithSubvariable("imd", cohort.AddressAsOf("index_date", cohort.ReturnIMD, 100)),
		cohort.Expect(cohort.Expectations{
			Rate:      "universal",
			Incidence: cohort.Incidence(1),
			Category: ratios(map[string]float64{
				"Unknown": 0, "1 (most deprived)": 0.2, "2": 0.2, "3": 0.2, "4": 0.2, "5 (least deprived)": 0.2,
			}),
		}),
	))
	b.Add("sex", cohort.Sex(cohort.Expect(cohort.Expectations{
		Rate:     "universal",
		Category: ratios(map[string]float64{"1": 0.49, "2": 0.51}),
	})))
	b.Add("ethnicity_by_6_groupings", cohort.EthnicityFromSUS(cohort.ReturnGroup6, true,
		cohort.Expect(cohort.Expectations{
			Incidence: cohort.Incidence(0.8),
			Category:  ratios(map[string]float64{"1": 0.2, "2": 0.1, "3": 0.1, "4": 0.2, "5": 0.2, "6": 0.2}),
		})))
	b.Add("died_after_20200323", cohort.DiedFromAnyCause(
		cohort.OnOrAfter("index_date"),
		cohort.Returns(cohort.ReturnDateOfDeath),
		cohort.WithDateFormat(cohort.DateFormatDay),
		cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(0.1), Date: dates("index_date", "study_end")}),
	))

	// Smoking
	b.Add("smoking_status", cohort.CategorisedAs(
		[]cohort.Rule{
			cohort.When("S", "most_recent_smoking_code = 'S'"),
			cohort.When("E", smokingStatusE),
			cohort.When("N", "most_recent_smoking_code = 'N' AND NOT ever_smoked"),
			cohort.Default("M"),
		},
		cohort.WithSubvariable("most_recent_smoking_code", cohort.ClinicalEvents("clear_smoking_codes",
			cohort.FindLastMatch(), cohort.OnOrBefore("index_date"), cohort.Returns(cohort.ReturnCategory))),
		cohort.WithSubvariable("ever_smoked", cohort.ClinicalEvents("clear_smoking_codes",
			cohort.FilterByCategory("S", "E"), cohort.OnOrBefore("index_date"))),
		cohort.Expect(cohort.Expectations{
			Rate:     "universal",
			Category: ratios(map[string]float64{"S": 0.6, "E": 0.1, "N": 0.2, "M": 0.1}),
		}),
	))
	b.Add("smoking_status_comb", cohort.CategorisedAs(
		[]cohort.Rule{
			cohort.When("S", "most_recent_smoking_code = 'S'"),
			cohort.When("E", smokingStatusE),
			cohort.Default("N + M"),
		},
		cohort.Expect(cohort.Expectations{
			Rate:     "universal",
			Category: ratios(map[string]float64{"S": 0.6, "E": 0.1, "N + M": 0.3}),
		}),
	))

	// SARS-CoV-2
	for _, result := range []string{"positive", "negative"} {
		b.Add("covid_test_"+result, cohort.TestResultInSGSS("SARS-CoV-2", result,
			cohort.FindFirstMatch(),
			cohort.Returns(cohort.ReturnDate),
			cohort.WithDateFormat(cohort.DateFormatDay),
			cohort.Between("index_date", "study_end"),
			cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(0.2), Date: dates("index_date", "study_end")}),
		))
	}

	b.Add("fst_lupus_dt", cohort.ClinicalEvents("systemic_lupus_erytematosus_codes",
		cohort.Between("cohort_start", "index_date"),
		cohort.Returns(cohort.ReturnDate),
		cohort.WithDateFormat(cohort.DateFormatDay),
		cohort.FindFirstMatch(),
		cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(0.4), Date: dates("cohort_start", "index_date")}),
	))

	// Comorbidities in the year before the index date
	for _, c := range priorConditions {
		b.Add(c.name, cohort.ClinicalEvents(c.codelist,
			cohort.Returns(cohort.ReturnBinaryFlag),
			cohort.Between(priorYear, "index_date"),
			cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(0.05), Date: dates("2019-03-23", "index_date")}),
		))
	}
	b.Add("admitted_to_hospital_last_year", cohort.AdmittedToHospital(
		cohort.Returns(cohort.ReturnBinaryFlag),
		cohort.Between(priorYear, "index_date"),
		cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(0.1)}),
	))

	// DMARDs
	for i, d := range dmards {
		opts := []cohort.Option{
			cohort.Returns(cohort.ReturnBinaryFlag),
			cohort.Between(priorYear, "index_date"),
			cohort.FindLastMatch(),
		}
		if i == 0 {
			opts = append(opts, cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(0.005)}))
		}
		b.Add(d.name, cohort.ClinicalEvents(d.codelist, opts...))
	}

	// Outcomes after the first positive test
	for _, o := range outcomes {
		b.Add(o.name, cohort.ClinicalEvents(o.codelist,
			cohort.Returns(cohort.ReturnDate),
			cohort.WithDateFormat(cohort.DateFormatDay),
			cohort.Between("covid_test_positive", "study_end"),
			cohort.FindFirstMatch(),
			cohort.Expect(cohort.Expectations{Incidence: cohort.Incidence(o.incidence), Date: dates(o.earliest, "")}),
		))
	}
	return b
}

// Definition builds and validates the study.
func Definition(codelists cohort.CodelistLookup) (*cohort.Spec, error) {
	return Builder(codelists).Build()
}
