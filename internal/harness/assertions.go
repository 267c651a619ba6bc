package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is a failed assertion with enough context to debug it.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Key())
			if ev.Detail != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Detail)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func matches(ev TraceEvent, a Assertion) bool {
	return ev.Kind == a.Kind && ev.Name == a.Name && (a.Detail == "" || ev.Detail == a.Detail)
}

func describeSelector(a Assertion) string {
	s := a.Kind + ":" + a.Name
	if a.Detail != "" {
		s += " (" + a.Detail + ")"
	}
	return s
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeSelector(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the listed events
// appear in order. Other events may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int, len(a.Events))
	for i, ev := range trace {
		key := ev.Key()
		if slices.Contains(a.Events, key) && positions[key] == 0 {
			positions[key] = i + 1
		}
	}

	for _, key := range a.Events {
		if positions[key] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   "missing event: " + key,
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describeSelector(a)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares the listed keys of the final snapshot.
func assertFinalState(result *Result, a Assertion) error {
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		want := a.Expect[k]
		got, ok := result.State[k]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("state key %q", k),
				Actual:   fmt.Sprintf("not present; have %v", stateKeys(result.State)),
			}
		}
		if !valuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s = %v", k, want),
				Actual:   fmt.Sprintf("%s = %v", k, got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func stateKeys(state map[string]any) []string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// valuesEqual compares scenario values with observed ones. YAML decodes
// numbers with their own widths, so comparison is on the printed form.
func valuesEqual(want, got any) bool {
	return fmt.Sprint(want) == fmt.Sprint(got)
}
