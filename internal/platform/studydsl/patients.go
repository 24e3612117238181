package studydsl

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/ehr/cohort/internal/domain/cohort"
)

// primitive is one patients.* function. positional names the parameters
// that may be passed by position; all of them are required.
type primitive struct {
	source     cohort.SourceKind
	positional []string
}

var primitives = []primitive{
	{source: cohort.SourceAgeAsOf, positional: []string{"date"}},
	{source: cohort.SourceSex},
	{source: cohort.SourceEthnicityFromSUS},
	{source: cohort.SourceAddressAsOf, positional: []string{"date"}},
	{source: cohort.SourceDiedFromAnyCause},
	{source: cohort.SourceTestResultSGSS},
	{source: cohort.SourceClinicalEvents, positional: []string{"codelist"}},
	{source: cohort.SourceAdmitted},
	{source: cohort.SourceRegistered, positional: []string{"start", "end"}},
	{source: cohort.SourceCategorisedAs, positional: []string{"categories"}},
}

type kwarg struct {
	name  string
	value starlark.Value
}

func (p primitive) call(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > len(p.positional) {
		return nil, fmt.Errorf("%s: got %d positional arguments, want at most %d", b.Name(), len(args), len(p.positional))
	}
	pairs := make([]kwarg, 0, len(args)+len(kwargs))
	for i, a := range args {
		pairs = append(pairs, kwarg{name: p.positional[i], value: a})
	}
	for _, kv := range kwargs {
		pairs = append(pairs, kwarg{name: string(kv[0].(starlark.String)), value: kv[1]})
	}

	doc := cohort.VariableDoc{Source: p.source}
	seen := make(map[string]bool, len(pairs))
	for _, kv := range pairs {
		if seen[kv.name] {
			return nil, fmt.Errorf("%s: got multiple values for %s", b.Name(), kv.name)
		}
		seen[kv.name] = true
		if err := p.apply(&doc, kv); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", b.Name(), kv.name, err)
		}
	}
	for _, name := range p.positional {
		if !seen[name] {
			return nil, fmt.Errorf("%s: missing argument %s", b.Name(), name)
		}
	}
	return &variable{doc: doc}, nil
}

func (p primitive) apply(doc *cohort.VariableDoc, kv kwarg) error {
	var err error
	switch kv.name {
	case "date":
		doc.AsOf, err = toString(kv.value)
	case "start", "end":
		var s string
		if s, err = toString(kv.value); err != nil {
			return err
		}
		if doc.Between == nil {
			doc.Between = make([]string, 2)
		}
		if kv.name == "start" {
			doc.Between[0] = s
		} else {
			doc.Between[1] = s
		}
	case "between":
		doc.Between, err = toStringList(kv.value)
	case "on_or_before":
		doc.OnOrBefore, err = toString(kv.value)
	case "on_or_after":
		doc.OnOrAfter, err = toString(kv.value)
	case "returning":
		var s string
		s, err = toString(kv.value)
		doc.Returning = cohort.Returning(s)
	case "date_format":
		doc.DateFormat, err = toString(kv.value)
	case "find_first_match_in_period", "find_last_match_in_period":
		var set bool
		if set, err = toBool(kv.value); err != nil || !set {
			return err
		}
		sel := cohort.SelectFirst
		if kv.name == "find_last_match_in_period" {
			sel = cohort.SelectLast
		}
		if doc.Selection != "" && doc.Selection != sel {
			return fmt.Errorf("conflicts with an earlier match selection")
		}
		doc.Selection = sel
	case "round_to_nearest":
		doc.RoundToNearest, err = starlark.AsInt32(kv.value)
	case "use_most_frequent_code":
		doc.UseMostFrequentCode, err = toBool(kv.value)
	case "pathogen":
		doc.Pathogen, err = toString(kv.value)
	case "test_result":
		doc.TestResult, err = toString(kv.value)
	case "codelist", "with_these_primary_diagnoses":
		var ref *codelistRef
		if ref, err = toCodelist(kv.value); err != nil {
			return err
		}
		doc.Codelist = ref.name
		doc.IncludeCategories = ref.categories
	case "categories":
		doc.Categories, err = toRules(kv.value)
	case "return_expectations":
		doc.Expect, err = toExpectations(kv.value)
	default:
		sub, ok := kv.value.(*variable)
		if p.source != cohort.SourceCategorisedAs || !ok {
			return fmt.Errorf("unexpected keyword argument")
		}
		d := sub.doc
		d.Name = kv.name
		doc.Variables = append(doc.Variables, d)
	}
	return err
}

// ============================================================================
// Conversions
// ============================================================================

func toString(v starlark.Value) (string, error) {
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("want string, got %s", v.Type())
	}
	return s, nil
}

func toBool(v starlark.Value) (bool, error) {
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("want bool, got %s", v.Type())
	}
	return bool(b), nil
}

func toStringList(v starlark.Value) ([]string, error) {
	seq, ok := v.(starlark.Indexable)
	if !ok {
		return nil, fmt.Errorf("want list of strings, got %s", v.Type())
	}
	out := make([]string, seq.Len())
	for i := range out {
		s, err := toString(seq.Index(i))
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

func toCodelist(v starlark.Value) (*codelistRef, error) {
	switch c := v.(type) {
	case *codelistRef:
		return c, nil
	case starlark.String:
		return &codelistRef{name: string(c)}, nil
	}
	return nil, fmt.Errorf("want codelist, got %s", v.Type())
}

// toRules converts a {label: condition} dict, keeping insertion order.
func toRules(v starlark.Value) ([]cohort.RuleDoc, error) {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("want dict of label to condition, got %s", v.Type())
	}
	rules := make([]cohort.RuleDoc, 0, d.Len())
	for _, item := range d.Items() {
		label, err := toString(item[0])
		if err != nil {
			return nil, fmt.Errorf("label: %w", err)
		}
		cond, err := toString(item[1])
		if err != nil {
			return nil, fmt.Errorf("condition for %q: %w", label, err)
		}
		rules = append(rules, cohort.RuleDoc{Label: label, Condition: cond})
	}
	return rules, nil
}

// toExpectations decodes a return_expectations dict through its JSON form so
// unknown keys are rejected the same way as in YAML and JSON documents.
func toExpectations(v starlark.Value) (*cohort.Expectations, error) {
	raw, err := toGo(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var e cohort.Expectations
	if err := dec.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func toGo(v starlark.Value) (interface{}, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(x), nil
	case starlark.Int:
		i, ok := x.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", x)
		}
		return i, nil
	case starlark.Float:
		return float64(x), nil
	case starlark.String:
		return string(x), nil
	case *starlark.Dict:
		out := make(map[string]interface{}, x.Len())
		for _, item := range x.Items() {
			k, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key must be a string, got %s", item[0].Type())
			}
			val, err := toGo(item[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = val
		}
		return out, nil
	case starlark.Indexable:
		out := make([]interface{}, x.Len())
		for i := range out {
			val, err := toGo(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value of type %s", v.Type())
}
