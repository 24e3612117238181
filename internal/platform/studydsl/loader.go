// Package studydsl loads study definitions written in Starlark. A script
// calls StudyDefinition once, passing the index date, the population and
// every output variable as keyword arguments built from the patients
// module:
//
//	study_end = constant("study_end", "2021-08-31")
//
//	study = StudyDefinition(
//	    index_date = "2020-03-23",
//	    population = patients.registered_with_one_practice_between("index_date - 1 year", "index_date"),
//	    heart_disease = patients.with_these_clinical_events(
//	        codelist("chronic_heart_disease_codes"),
//	        between = ["index_date - 1 year", "index_date"],
//	    ),
//	)
//
// The result is a cohort.Document; building it validates the study.
package studydsl

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/ehr/cohort/internal/domain/cohort"
)

const (
	DefaultMaxSteps = uint64(1_000_000)
	DefaultTimeout  = 5 * time.Second
	maxSourceBytes  = 1 << 20

	stateKey = "studydsl.state"
)

// Options bounds script execution.
type Options struct {
	MaxSteps uint64
	Timeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxSteps == 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// ErrNoStudy is returned when a script never calls StudyDefinition.
var ErrNoStudy = errors.New("script does not call StudyDefinition")

type state struct {
	constants []cohort.ConstantDoc
	constSeen map[string]bool
	doc       *cohort.Document
}

// LoadFile reads and executes a .star study definition.
func LoadFile(path string, opts Options) (cohort.Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return cohort.Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Load(path, src, opts)
}

// Load executes src and returns the document it defines.
func Load(filename string, src []byte, opts Options) (cohort.Document, error) {
	opts = opts.withDefaults()
	if len(src) > maxSourceBytes {
		return cohort.Document{}, fmt.Errorf("%s: script exceeds %d bytes", filename, maxSourceBytes)
	}

	st := &state{constSeen: make(map[string]bool)}
	thread := &starlark.Thread{Name: "study-definition"}
	thread.SetMaxExecutionSteps(opts.MaxSteps)
	thread.SetLocal(stateKey, st)

	err := runWithTimeout(thread, opts.Timeout, func() error {
		_, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, filename, src, predeclared())
		return err
	})
	if err != nil {
		return cohort.Document{}, fmt.Errorf("%s: %w", filename, err)
	}
	if st.doc == nil {
		return cohort.Document{}, fmt.Errorf("%s: %w", filename, ErrNoStudy)
	}
	return *st.doc, nil
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"StudyDefinition":          starlark.NewBuiltin("StudyDefinition", studyDefinition),
		"constant":                 starlark.NewBuiltin("constant", constant),
		"codelist":                 starlark.NewBuiltin("codelist", codelistBuiltin),
		"filter_codes_by_category": starlark.NewBuiltin("filter_codes_by_category", filterCodesByCategory),
		"patients":                 patientsModule(),
	}
}

func runWithTimeout(thread *starlark.Thread, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		thread.Cancel("study definition timed out")
		if err := <-done; err != nil {
			return fmt.Errorf("execution timed out after %s: %w", timeout, err)
		}
		return fmt.Errorf("execution timed out after %s", timeout)
	}
}

func threadState(thread *starlark.Thread) *state {
	st, _ := thread.Local(stateKey).(*state)
	return st
}

// ============================================================================
// Top-level builtins
// ============================================================================

func studyDefinition(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	st := threadState(thread)
	if st.doc != nil {
		return nil, fmt.Errorf("%s: called more than once", b.Name())
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("%s: takes keyword arguments only", b.Name())
	}

	doc := &cohort.Document{APIVersion: cohort.APIVersion, Kind: cohort.KindStudyDef}
	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		val := kv[1]
		switch key {
		case "index_date":
			s, ok := starlark.AsString(val)
			if !ok {
				return nil, fmt.Errorf("%s: index_date must be a string, got %s", b.Name(), val.Type())
			}
			doc.IndexDate = s
		case "default_expectations":
			e, err := toExpectations(val)
			if err != nil {
				return nil, fmt.Errorf("%s: default_expectations: %w", b.Name(), err)
			}
			doc.DefaultExpectations = e
		case "population":
			v, ok := val.(*variable)
			if !ok {
				return nil, fmt.Errorf("%s: population must be a patients.* variable, got %s", b.Name(), val.Type())
			}
			pop := v.doc
			doc.Population = &pop
		default:
			v, ok := val.(*variable)
			if !ok {
				return nil, fmt.Errorf("%s: %s must be a patients.* variable, got %s", b.Name(), key, val.Type())
			}
			d := v.doc
			d.Name = key
			doc.Variables = append(doc.Variables, d)
		}
	}
	doc.Constants = append(doc.Constants, st.constants...)
	st.doc = doc
	return starlark.None, nil
}

// constant declares a named date and returns its name for use in date
// expressions.
func constant(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, date string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "date", &date); err != nil {
		return nil, err
	}
	st := threadState(thread)
	if st.constSeen[name] {
		return nil, fmt.Errorf("%s: %q already declared", b.Name(), name)
	}
	st.constSeen[name] = true
	st.constants = append(st.constants, cohort.ConstantDoc{Name: name, Date: date})
	return starlark.String(name), nil
}

func codelistBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	return &codelistRef{name: name}, nil
}

func filterCodesByCategory(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cl, include starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "codelist", &cl, "include", &include); err != nil {
		return nil, err
	}
	ref, err := toCodelist(cl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	cats, err := toStringList(include)
	if err != nil {
		return nil, fmt.Errorf("%s: include: %w", b.Name(), err)
	}
	return &codelistRef{name: ref.name, categories: cats}, nil
}

// ============================================================================
// Values
// ============================================================================

// variable is the result of a patients.* call.
type variable struct {
	doc cohort.VariableDoc
}

var _ starlark.Value = (*variable)(nil)

func (v *variable) String() string        { return fmt.Sprintf("<variable %s>", v.doc.Source) }
func (v *variable) Type() string          { return "variable" }
func (v *variable) Freeze()               {}
func (v *variable) Truth() starlark.Bool  { return starlark.True }
func (v *variable) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: variable") }

// codelistRef names a codelist, optionally restricted to some categories.
type codelistRef struct {
	name       string
	categories []string
}

var _ starlark.Value = (*codelistRef)(nil)

func (c *codelistRef) String() string        { return fmt.Sprintf("<codelist %s>", c.name) }
func (c *codelistRef) Type() string          { return "codelist" }
func (c *codelistRef) Freeze()               {}
func (c *codelistRef) Truth() starlark.Bool  { return starlark.True }
func (c *codelistRef) Hash() (uint32, error) { return starlark.String(c.name).Hash() }

func patientsModule() *starlarkstruct.Module {
	members := starlark.StringDict{}
	for _, p := range primitives {
		members[string(p.source)] = starlark.NewBuiltin(string(p.source), p.call)
	}
	return &starlarkstruct.Module{Name: "patients", Members: members}
}
