package harness

// Trace event kinds.
const (
	KindPool     = "pool"
	KindConn     = "conn"
	KindSpawn    = "spawn"
	KindTask     = "task"
	KindCallback = "callback"
	KindRun      = "run"
)

// TraceEvent is one observable step of a scenario.
type TraceEvent struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Detail string `json:"detail,omitempty"`
}

// Key returns the "kind:name" form used by trace_order assertions.
func (e TraceEvent) Key() string {
	return e.Kind + ":" + e.Name
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when the expect clause and every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// State is the final snapshot checked by final_state assertions:
	// state, spawned, ran, pending and acquired.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(kind, name, detail string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Kind:   kind,
		Name:   name,
		Detail: detail,
	})
}
