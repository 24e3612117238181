package studydsl

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/study"
)

func load(t *testing.T, src string) (cohort.Document, error) {
	t.Helper()
	return Load("test.star", []byte(src), Options{})
}

func mustLoad(t *testing.T, src string) cohort.Document {
	t.Helper()
	doc, err := load(t, src)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return doc
}

func expectError(t *testing.T, src, want string) {
	t.Helper()
	_, err := load(t, src)
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", want)
	}
	if !strings.Contains(err.Error(), want) {
		t.Errorf("expected error containing %q, got %v", want, err)
	}
}

func TestLoad_Minimal(t *testing.T) {
	doc := mustLoad(t, `
end = constant("study_end", "2021-08-31")
StudyDefinition(
    index_date = "2020-03-23",
    population = patients.registered_with_one_practice_between("index_date - 1 years", "index_date"),
    smoking = patients.categorised_as(
        {"S": "code = 'S'", "M": "DEFAULT"},
        code = patients.with_these_clinical_events(
            filter_codes_by_category(codelist("clear_smoking_codes"), include = ["S"]),
            returning = "category",
            find_last_match_in_period = True,
            on_or_before = end,
        ),
    ),
)
`)

	if doc.APIVersion != cohort.APIVersion || doc.Kind != cohort.KindStudyDef {
		t.Errorf("unexpected header %s/%s", doc.APIVersion, doc.Kind)
	}
	if doc.IndexDate != "2020-03-23" {
		t.Errorf("expected index date 2020-03-23, got %q", doc.IndexDate)
	}
	if len(doc.Constants) != 1 || doc.Constants[0] != (cohort.ConstantDoc{Name: "study_end", Date: "2021-08-31"}) {
		t.Errorf("unexpected constants %+v", doc.Constants)
	}
	if doc.Population == nil || !reflect.DeepEqual(doc.Population.Between, []string{"index_date - 1 years", "index_date"}) {
		t.Fatalf("unexpected population %+v", doc.Population)
	}
	if len(doc.Variables) != 1 {
		t.Fatalf("expected 1 variable, got %d", len(doc.Variables))
	}
	smoking := doc.Variables[0]
	if smoking.Name != "smoking" || smoking.Source != cohort.SourceCategorisedAs {
		t.Errorf("unexpected variable %+v", smoking)
	}
	wantRules := []cohort.RuleDoc{{Label: "S", Condition: "code = 'S'"}, {Label: "M", Condition: "DEFAULT"}}
	if !reflect.DeepEqual(smoking.Categories, wantRules) {
		t.Errorf("expected rules %+v, got %+v", wantRules, smoking.Categories)
	}
	if len(smoking.Variables) != 1 {
		t.Fatalf("expected 1 sub-variable, got %d", len(smoking.Variables))
	}
	code := smoking.Variables[0]
	if code.Name != "code" || code.Codelist != "clear_smoking_codes" || !reflect.DeepEqual(code.IncludeCategories, []string{"S"}) {
		t.Errorf("unexpected sub-variable %+v", code)
	}
	if code.Selection != cohort.SelectLast || code.OnOrBefore != "study_end" {
		t.Errorf("unexpected sub-variable window or selection %+v", code)
	}
}

func TestLoad_Expectations(t *testing.T) {
	doc := mustLoad(t, `
StudyDefinition(
    index_date = "2020-03-23",
    default_expectations = {"rate": "uniform", "incidence": 0.5, "date": {"earliest": "1900-01-01", "latest": "today"}},
    population = patients.sex(),
    sex = patients.sex(return_expectations = {"category": {"ratios": {"1": 0.49, "2": 0.51}}}),
)
`)
	def := doc.DefaultExpectations
	if def == nil || def.Rate != "uniform" || def.Incidence == nil || *def.Incidence != 0.5 {
		t.Fatalf("unexpected default expectations %+v", def)
	}
	if def.Date == nil || def.Date.Latest != "today" {
		t.Errorf("unexpected default date expectation %+v", def.Date)
	}
	e := doc.Variables[0].Expect
	if e == nil || e.Category == nil || e.Category.Ratios["2"] != 0.51 {
		t.Errorf("unexpected sex expectations %+v", e)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "unknown keyword",
			src:  `StudyDefinition(index_date = "2020-03-23", population = patients.sex(colour = "red"))`,
			want: "unexpected keyword argument",
		},
		{
			name: "missing positional",
			src:  `StudyDefinition(index_date = "2020-03-23", population = patients.age_as_of())`,
			want: "missing argument date",
		},
		{
			name: "too many positional",
			src:  `StudyDefinition(index_date = "2020-03-23", population = patients.sex("x"))`,
			want: "positional arguments",
		},
		{
			name: "duplicate argument",
			src:  `StudyDefinition(index_date = "2020-03-23", population = patients.age_as_of("index_date", date = "index_date"))`,
			want: "multiple values for date",
		},
		{
			name: "conflicting selection",
			src: `StudyDefinition(index_date = "2020-03-23", population = patients.with_these_clinical_events(
    "codes", find_first_match_in_period = True, find_last_match_in_period = True))`,
			want: "conflicts",
		},
		{
			name: "unknown expectation key",
			src:  `StudyDefinition(index_date = "2020-03-23", population = patients.sex(return_expectations = {"odds": 1}))`,
			want: "odds",
		},
		{
			name: "non-variable output",
			src:  `StudyDefinition(index_date = "2020-03-23", population = patients.sex(), age = 42)`,
			want: "must be a patients.* variable",
		},
		{
			name: "called twice",
			src: `
StudyDefinition(index_date = "2020-03-23", population = patients.sex())
StudyDefinition(index_date = "2020-03-23", population = patients.sex())
`,
			want: "called more than once",
		},
		{
			name: "duplicate constant",
			src: `
constant("a", "2020-01-01")
constant("a", "2020-01-02")
`,
			want: "already declared",
		},
		{
			name: "syntax error",
			src:  `StudyDefinition(`,
			want: "test.star",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, tt.src, tt.want)
		})
	}
}

func TestLoad_NoStudy(t *testing.T) {
	_, err := load(t, `x = 1`)
	if !errors.Is(err, ErrNoStudy) {
		t.Errorf("expected ErrNoStudy, got %v", err)
	}
}

func TestLoad_StepLimit(t *testing.T) {
	src := `
def spin():
    n = 0
    for i in range(10000000):
        n += i
    return n

spin()
`
	_, err := Load("spin.star", []byte(src), Options{MaxSteps: 1000})
	if err == nil || !strings.Contains(err.Error(), "too many steps") {
		t.Errorf("expected step limit error, got %v", err)
	}
}

func TestLoad_Timeout(t *testing.T) {
	src := `
def spin():
    n = 0
    for i in range(1000000000):
        n += i
    return n

spin()
`
	start := time.Now()
	_, err := Load("spin.star", []byte(src), Options{MaxSteps: math.MaxUint64, Timeout: 20 * time.Millisecond})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestLoad_SourceTooLarge(t *testing.T) {
	src := strings.Repeat("#", maxSourceBytes+1)
	if _, err := Load("big.star", []byte(src), Options{}); err == nil {
		t.Error("expected error for oversized script")
	}
}

func TestLoadFile_StudyMatchesGoDefinition(t *testing.T) {
	repo, err := codelist.NewCSVRepo(filepath.Join("..", "..", "..", "codelists"), codelist.CSVOptions{})
	if err != nil {
		t.Fatalf("load codelists: %v", err)
	}
	reg, err := codelist.NewService(repo).Registry(context.Background())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	doc, err := LoadFile(filepath.Join("..", "..", "..", "studies", "study_definition.star"), Options{})
	if err != nil {
		t.Fatalf("load study: %v", err)
	}
	fromScript, err := cohort.Load(doc, reg)
	if err != nil {
		t.Fatalf("build script study: %v", err)
	}
	fromGo, err := study.Definition(reg)
	if err != nil {
		t.Fatalf("build go study: %v", err)
	}

	got, want := fromScript.Document(), fromGo.Document()
	if len(got.Variables) != len(want.Variables) {
		t.Fatalf("expected %d variables, got %d", len(want.Variables), len(got.Variables))
	}
	for i := range want.Variables {
		if !reflect.DeepEqual(got.Variables[i], want.Variables[i]) {
			t.Errorf("variable %d differs:\n got  %+v\n want %+v", i, got.Variables[i], want.Variables[i])
		}
	}
	got.Variables, want.Variables = nil, nil
	if !reflect.DeepEqual(got, want) {
		t.Errorf("study header differs:\n got  %+v\n want %+v", got, want)
	}
}
