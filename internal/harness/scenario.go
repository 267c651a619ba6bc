package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/bagua/internal/txn"
)

// Scenario is one conformance case.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Connection scripts driver failures.
	Connection ConnScript `yaml:"connection,omitempty"`

	// Mode selects how the coordinator is driven. Empty means run.
	Mode string `yaml:"mode,omitempty"`

	// Before holds registrations made before the transaction runs.
	Before []Step `yaml:"before,omitempty"`

	// Body is the business function.
	Body Body `yaml:"body"`

	// After holds registrations made once the coordinator is released.
	After []Step `yaml:"after,omitempty"`

	// Expect checks what Run returned. Required in run mode.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// Modes.
const (
	ModeRun          = "run"
	ModeBeginRelease = "begin_release"
	ModeRelease      = "release"
)

// Fault is a scripted driver failure.
type Fault struct {
	Error string `yaml:"error"`

	// Broken marks the failure as leaving the connection unusable.
	Broken bool `yaml:"broken,omitempty"`
}

func (f *Fault) err() error {
	if f == nil {
		return nil
	}
	if f.Broken {
		return fmt.Errorf("%s: %w", f.Error, txn.ErrBrokenConnection)
	}
	return errors.New(f.Error)
}

// ConnScript says which driver primitives fail.
type ConnScript struct {
	Acquire  *Fault `yaml:"acquire,omitempty"`
	Begin    *Fault `yaml:"begin,omitempty"`
	Commit   *Fault `yaml:"commit,omitempty"`
	Rollback *Fault `yaml:"rollback,omitempty"`
}

// Step registers one named callback or deferred task. Exactly one of
// Callback and Task is set.
type Step struct {
	Callback string `yaml:"callback,omitempty"`
	Task     string `yaml:"task,omitempty"`

	// Clone registers through a cloned coordinator handle, which must
	// share state with the original.
	Clone bool `yaml:"clone,omitempty"`
}

// Body describes the business function.
type Body struct {
	Steps []Step `yaml:"steps,omitempty"`

	// Return is ok, fail, error, panic or cancel.
	Return string `yaml:"return"`

	// Value is the success value for ok.
	Value any `yaml:"value,omitempty"`

	// Failure is the business error for fail.
	Failure string `yaml:"failure,omitempty"`

	// Message is the error text for error and the panic value for panic.
	Message string `yaml:"message,omitempty"`
}

// Body returns.
const (
	ReturnOK     = "ok"
	ReturnFail   = "fail"
	ReturnError  = "error"
	ReturnPanic  = "panic"
	ReturnCancel = "cancel"
)

// Expect cases.
const (
	CaseOK    = "ok"
	CaseFail  = "fail"
	CaseError = "error"
)

// ExpectClause specifies what Run returns.
type ExpectClause struct {
	// Case is ok, fail or error.
	Case string `yaml:"case"`

	Value   any    `yaml:"value,omitempty"`
	Failure string `yaml:"failure,omitempty"`

	// Code is the txn error code; SYSTEM for errors that are not *txn.Error.
	Code string `yaml:"code,omitempty"`

	// Error, when set, must appear in the error text.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is trace_contains, trace_order, trace_count or final_state.
	Type string `yaml:"type"`

	// Kind, Name and Detail select events (trace_contains, trace_count).
	// An empty Detail matches any detail.
	Kind   string `yaml:"kind,omitempty"`
	Name   string `yaml:"name,omitempty"`
	Detail string `yaml:"detail,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events lists "kind:name" keys in expected order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Expect holds expected final state values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}

	switch s.Mode {
	case "", ModeRun:
		if s.Expect == nil {
			return errors.New("expect is required in run mode")
		}
		if !slices.Contains([]string{ReturnOK, ReturnFail, ReturnError, ReturnPanic, ReturnCancel}, s.Body.Return) {
			return fmt.Errorf("body.return: unknown return %q", s.Body.Return)
		}
	case ModeBeginRelease, ModeRelease:
		if s.Expect != nil {
			return fmt.Errorf("expect is only valid in run mode, not %s", s.Mode)
		}
		if s.Body.Return != "" {
			return fmt.Errorf("body.return is only valid in run mode, not %s", s.Mode)
		}
		if s.Mode == ModeRelease && len(s.Body.Steps) > 0 {
			return errors.New("body.steps need a begun transaction; release mode never begins")
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}

	for _, group := range []struct {
		name  string
		steps []Step
	}{{"before", s.Before}, {"body.steps", s.Body.Steps}, {"after", s.After}} {
		for i, st := range group.steps {
			if (st.Callback == "") == (st.Task == "") {
				return fmt.Errorf("%s[%d]: exactly one of callback and task is required", group.name, i)
			}
			if st.Clone && group.name == "after" {
				return fmt.Errorf("%s[%d]: a released coordinator cannot be cloned", group.name, i)
			}
		}
	}

	if s.Expect != nil {
		switch s.Expect.Case {
		case CaseOK, CaseFail, CaseError:
		default:
			return fmt.Errorf("expect.case: unknown case %q", s.Expect.Case)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Kind == "" || a.Name == "" {
			return fmt.Errorf("assertions[%d]: kind and name are required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" || a.Name == "" {
			return fmt.Errorf("assertions[%d]: kind and name are required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
