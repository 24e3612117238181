package extract

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
)

func testCodelists() *codelist.Registry {
	return codelist.NewRegistry(
		codelist.New("smoking", codelist.SystemCTV3, "", []codelist.Code{
			{Code: "137R.", Category: "S"},
			{Code: "137S.", Category: "E"},
			{Code: "1371.", Category: "N"},
		}),
		codelist.New("fatigue", codelist.SystemSNOMED, "", []codelist.Code{{Code: "84229001"}}),
		codelist.New("infection", codelist.SystemICD10, "", []codelist.Code{{Code: "U071"}}),
	)
}

func newResolver() *MemoryResolver {
	return NewMemoryResolver(3, zerolog.New(os.Stderr))
}

func buildSpec(t *testing.T, b *cohort.Builder) *cohort.Spec {
	t.Helper()
	spec, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return spec
}

func registeredBuilder() *cohort.Builder {
	return cohort.NewBuilder(testCodelists()).
		Constant("study_end", "2021-08-31").
		IndexDate("2020-03-23").
		Population(cohort.RegisteredWithOnePracticeBetween("index_date - 1 year", "index_date"))
}

func registered(id int64) Patient {
	return Patient{
		ID:            id,
		Registrations: []Registration{{Start: MustDate("2010-01-01")}},
	}
}

func valueOf(t *testing.T, ds *Dataset, id int64, column string) cohort.Value {
	t.Helper()
	v, ok := ds.Value(id, column)
	if !ok {
		t.Fatalf("no value for patient %d column %s", id, column)
	}
	return v
}

func TestResolve_PopulationAndOrder(t *testing.T) {
	spec := buildSpec(t, registeredBuilder().Add("sex", cohort.Sex()))

	snap := &Snapshot{}
	for id := int64(1); id <= 50; id++ {
		p := registered(id)
		p.Sex = "F"
		if id%5 == 0 {
			// left the practice before the index date
			p.Registrations[0].End = DatePtr("2020-01-01")
		}
		snap.Patients = append(snap.Patients, p)
	}
	snap.Patients = append(snap.Patients, Patient{ID: 99, Registrations: []Registration{{Start: MustDate("2019-06-01")}}})

	ds, err := newResolver().Resolve(context.Background(), spec, snap)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(ds.Rows) != 40 {
		t.Fatalf("expected 40 included patients, got %d", len(ds.Rows))
	}
	for i := 1; i < len(ds.Rows); i++ {
		if ds.Rows[i-1].PatientID >= ds.Rows[i].PatientID {
			t.Fatalf("rows out of snapshot order at %d", i)
		}
	}
	if ds.RunID.String() == "" {
		t.Error("expected run id")
	}
}

func TestResolve_Selection(t *testing.T) {
	spec := buildSpec(t, registeredBuilder().
		Add("first_code", cohort.ClinicalEvents("smoking", cohort.OnOrBefore("index_date"),
			cohort.FindFirstMatch(), cohort.Returns(cohort.ReturnCategory))).
		Add("last_code", cohort.ClinicalEvents("smoking", cohort.OnOrBefore("index_date"),
			cohort.Returns(cohort.ReturnCategory))).
		Add("last_date", cohort.ClinicalEvents("smoking", cohort.OnOrBefore("index_date"),
			cohort.Returns(cohort.ReturnDate), cohort.WithDateFormat(cohort.DateFormatMonth))).
		Add("n_codes", cohort.ClinicalEvents("smoking", cohort.OnOrBefore("index_date"),
			cohort.Returns(cohort.ReturnMatchCount))).
		Add("ever", cohort.ClinicalEvents("smoking", cohort.OnOrBefore("index_date"))))

	p := registered(1)
	p.ClinicalEvents = []ClinicalEvent{
		{Code: "137S.", Date: MustDate("2018-02-01")},
		{Code: "137R.", Date: MustDate("2015-05-05")},
		{Code: "1371.", Date: MustDate("2021-01-01")}, // after index
		{Code: "XXXX.", Date: MustDate("2019-01-01")},
	}
	ds, err := newResolver().Resolve(context.Background(), spec, &Snapshot{Patients: []Patient{p, registered(2)}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	tests := []struct {
		column string
		want   string
	}{
		{"first_code", "S"},
		{"last_code", "E"},
		{"last_date", "2018-02"},
		{"n_codes", "2"},
		{"ever", "1"},
	}
	for _, tt := range tests {
		col, _ := spec.Variable(tt.column)
		if got := valueOf(t, ds, 1, tt.column).Format(col.DateFormat); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.column, tt.want, got)
		}
	}

	if v := valueOf(t, ds, 2, "last_code"); !v.IsNull() {
		t.Errorf("expected null category without events, got %v", v)
	}
	if v := valueOf(t, ds, 2, "ever"); v.Format("") != "0" {
		t.Errorf("expected false flag without events, got %v", v)
	}
	if v := valueOf(t, ds, 2, "n_codes"); v.Format("") != "0" {
		t.Errorf("expected zero count without events, got %v", v)
	}
}

func TestResolve_NullBoundAndReversedWindow(t *testing.T) {
	spec := buildSpec(t, registeredBuilder().
		Add("covid_positive", cohort.TestResultInSGSS("SARS-CoV-2", "positive",
			cohort.Between("index_date", "study_end"), cohort.FindFirstMatch(), cohort.Returns(cohort.ReturnDate))).
		Add("new_fatigue", cohort.ClinicalEvents("fatigue",
			cohort.Between("covid_positive", "study_end"), cohort.Returns(cohort.ReturnDate))).
		Add("fatigue_flag", cohort.ClinicalEvents("fatigue",
			cohort.Between("covid_positive", "covid_positive - 1 day"))))

	noTest := registered(1)
	noTest.ClinicalEvents = []ClinicalEvent{{Code: "84229001", Date: MustDate("2020-06-01")}}

	positive := registered(2)
	positive.TestResults = []TestResult{
		{Pathogen: "SARS-CoV-2", Result: "negative", Date: MustDate("2020-04-01")},
		{Pathogen: "SARS-CoV-2", Result: "positive", Date: MustDate("2020-05-01")},
		{Pathogen: "SARS-CoV-2", Result: "positive", Date: MustDate("2020-09-01")},
	}
	positive.ClinicalEvents = []ClinicalEvent{
		{Code: "84229001", Date: MustDate("2020-04-15")},
		{Code: "84229001", Date: MustDate("2020-06-01")},
	}

	ds, err := newResolver().Resolve(context.Background(), spec, &Snapshot{Patients: []Patient{noTest, positive}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if v := valueOf(t, ds, 1, "covid_positive"); !v.IsNull() {
		t.Errorf("expected null test date, got %v", v)
	}
	if v := valueOf(t, ds, 1, "new_fatigue"); !v.IsNull() {
		t.Errorf("expected null outcome for null bound, got %v", v)
	}
	if v := valueOf(t, ds, 1, "fatigue_flag"); v.Format("") != "0" {
		t.Errorf("expected false flag for null bound, got %v", v)
	}
	if v := valueOf(t, ds, 2, "covid_positive"); v.String() != "2020-05-01" {
		t.Errorf("expected first positive test, got %v", v)
	}
	if v := valueOf(t, ds, 2, "new_fatigue"); v.String() != "2020-06-01" {
		t.Errorf("expected fatigue after the test, got %v", v)
	}
	if v := valueOf(t, ds, 2, "fatigue_flag"); v.Format("") != "0" {
		t.Errorf("expected no match for reversed window, got %v", v)
	}
}

func TestResolve_Demographics(t *testing.T) {
	spec := buildSpec(t, registeredBuilder().
		Add("age", cohort.AgeAsOf("index_date")).
		Add("imd", cohort.AddressAsOf("index_date", cohort.ReturnIMD, 100)).
		Add("ethnicity", cohort.EthnicityFromSUS(cohort.ReturnGroup6, true)).
		Add("ethnicity_latest", cohort.EthnicityFromSUS(cohort.ReturnGroup16, false)).
		Add("died", cohort.DiedFromAnyCause(cohort.OnOrAfter("index_date"))).
		Add("death_date", cohort.DiedFromAnyCause(cohort.OnOrAfter("index_date"), cohort.Returns(cohort.ReturnDateOfDeath))))

	rank := 12345
	oldRank := 30000
	p := registered(1)
	p.DateOfBirth = DatePtr("1980-03-24")
	p.DateOfDeath = DatePtr("2021-01-10")
	p.Addresses = []Address{
		{Start: MustDate("2000-01-01"), End: DatePtr("2015-01-01"), IMD: &oldRank},
		{Start: MustDate("2015-01-02"), IMD: &rank},
	}
	p.Ethnicities = []EthnicityRecord{
		{Group6: "1", Group16: "2", Date: MustDate("2010-01-01")},
		{Group6: "1", Group16: "2", Date: MustDate("2011-01-01")},
		{Group6: "3", Group16: "9", Date: MustDate("2019-01-01")},
	}

	ds, err := newResolver().Resolve(context.Background(), spec, &Snapshot{Patients: []Patient{p}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for column, want := range map[string]string{
		"age":              "39",
		"imd":              "12300",
		"ethnicity":        "1",
		"ethnicity_latest": "9",
		"died":             "1",
		"death_date":       "2021-01-10",
	} {
		if got := valueOf(t, ds, 1, column).String(); got != want {
			t.Errorf("%s: expected %q, got %q", column, want, got)
		}
	}
}

func TestResolve_Admissions(t *testing.T) {
	spec := buildSpec(t, registeredBuilder().
		Add("any_admission", cohort.AdmittedToHospital(cohort.Between("index_date - 1 year", "index_date"))).
		Add("infection_admitted", cohort.AdmittedToHospital(cohort.OnOrAfter("index_date"),
			cohort.WithPrimaryDiagnoses("infection"), cohort.Returns(cohort.ReturnDateAdmitted))))

	p := registered(1)
	p.Admissions = []Admission{
		{Admitted: MustDate("2019-12-01"), PrimaryDiagnosis: "I10"},
		{Admitted: MustDate("2020-04-02"), PrimaryDiagnosis: "J18"},
		{Admitted: MustDate("2020-05-02"), PrimaryDiagnosis: "U071"},
	}
	ds, err := newResolver().Resolve(context.Background(), spec, &Snapshot{Patients: []Patient{p}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v := valueOf(t, ds, 1, "any_admission"); v.String() != "1" {
		t.Errorf("expected admission flag, got %v", v)
	}
	if v := valueOf(t, ds, 1, "infection_admitted"); v.String() != "2020-05-02" {
		t.Errorf("expected infection admission date, got %v", v)
	}
}

func TestResolve_Errors(t *testing.T) {
	spec := buildSpec(t, registeredBuilder().Add("sex", cohort.Sex()))

	if _, err := newResolver().Resolve(context.Background(), nil, nil); err == nil {
		t.Error("expected error for nil spec")
	}

	dup := &Snapshot{Patients: []Patient{registered(1), registered(1)}}
	if _, err := newResolver().Resolve(context.Background(), spec, dup); err == nil {
		t.Error("expected duplicate patient error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newResolver().Resolve(ctx, spec, &Snapshot{Patients: []Patient{registered(1)}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
