package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ExpectationError is returned when a step's result differs from its
// expect clause.
type ExpectationError struct {
	Step     int
	Op       string
	Expected string
	Actual   string
}

func (e *ExpectationError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "step %d (%s): expectation failed\n", e.Step, e.Op)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// checkExpect compares a step trace against its expectation. A step that
// failed with an error only passes if the error was expected.
func checkExpect(tr StepTrace, exp *Expect) error {
	fail := func(expected, actual string) error {
		return &ExpectationError{Step: tr.Step, Op: tr.Op, Expected: expected, Actual: actual}
	}

	if exp == nil {
		if tr.Error != "" {
			return fail("success", "error "+tr.Error)
		}
		return nil
	}
	if exp.Error != tr.Error {
		return fail(orNone("error", exp.Error), orNone("error", tr.Error))
	}
	if exp.Outcome != "" && exp.Outcome != tr.Outcome {
		return fail("outcome "+exp.Outcome, "outcome "+tr.Outcome)
	}
	if len(exp.Fields) == 0 {
		return nil
	}

	want, err := normalize(exp.Fields)
	if err != nil {
		return fmt.Errorf("step %d: expected fields: %w", tr.Step, err)
	}
	got, err := normalize(tr.Detail)
	if err != nil {
		return fmt.Errorf("step %d: detail: %w", tr.Step, err)
	}
	if path, ok := matchSubset(got, want, ""); !ok {
		return fail(fmt.Sprintf("%s = %v", path, lookup(want, path)), fmt.Sprintf("%s = %v", path, lookup(got, path)))
	}
	return nil
}

func orNone(label, v string) string {
	if v == "" {
		return "no " + label
	}
	return label + " " + v
}

// normalize round-trips v through JSON so that YAML ints and Go uint64s
// compare as the same json.Number.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// matchSubset reports whether every key in expected is present in actual
// with an equal value. Maps match as subsets at every depth; everything
// else must be equal. On mismatch it returns the dotted path of the first
// differing key.
func matchSubset(actual, expected any, path string) (string, bool) {
	expMap, ok := expected.(map[string]any)
	if !ok {
		return path, reflect.DeepEqual(actual, expected)
	}
	actMap, ok := actual.(map[string]any)
	if !ok {
		return path, false
	}

	keys := make([]string, 0, len(expMap))
	for k := range expMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sub := k
		if path != "" {
			sub = path + "." + k
		}
		av, exists := actMap[k]
		if !exists {
			return sub, false
		}
		if p, ok := matchSubset(av, expMap[k], sub); !ok {
			return p, false
		}
	}
	return "", true
}

func lookup(v any, path string) any {
	if path == "" {
		return v
	}
	for _, k := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}
