package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bagua/internal/txn"
)

const validScenario = `
name: ok
description: "commits"
connection:
  rollback: {error: "gone", broken: true}
before:
  - callback: early
body:
  steps:
    - task: publish
    - callback: audit
      clone: true
  return: ok
  value: 7
expect:
  case: ok
  value: 7
assertions:
  - type: trace_contains
    kind: conn
    name: commit
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "ok", sc.Name)
	assert.Equal(t, []Step{{Callback: "early"}}, sc.Before)
	assert.Equal(t, []Step{{Task: "publish"}, {Callback: "audit", Clone: true}}, sc.Body.Steps)
	assert.Equal(t, ReturnOK, sc.Body.Return)
	assert.Equal(t, 7, sc.Body.Value)
	require.NotNil(t, sc.Connection.Rollback)
	assert.True(t, sc.Connection.Rollback.Broken)
	assert.Nil(t, sc.Connection.Commit)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(validScenario + "assertion: []\n"))
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want string
	}{
		{"no name", "description: d\nbody: {return: ok}\nexpect: {case: ok}\nassertions: [{type: final_state, expect: {state: committed}}]", "name is required"},
		{"no description", "name: n\nbody: {return: ok}\nexpect: {case: ok}\nassertions: [{type: final_state, expect: {state: committed}}]", "description is required"},
		{"no assertions", "name: n\ndescription: d\nbody: {return: ok}\nexpect: {case: ok}", "assertions list is required"},
		{"no expect", "name: n\ndescription: d\nbody: {return: ok}\nassertions: [{type: final_state, expect: {state: committed}}]", "expect is required"},
		{"bad return", "name: n\ndescription: d\nbody: {return: maybe}\nexpect: {case: ok}\nassertions: [{type: final_state, expect: {state: committed}}]", `unknown return "maybe"`},
		{"bad case", "name: n\ndescription: d\nbody: {return: ok}\nexpect: {case: fine}\nassertions: [{type: final_state, expect: {state: committed}}]", `unknown case "fine"`},
		{"bad mode", "name: n\ndescription: d\nmode: later\nassertions: [{type: final_state, expect: {state: committed}}]", `unknown mode "later"`},
		{"expect outside run", "name: n\ndescription: d\nmode: release\nexpect: {case: ok}\nassertions: [{type: final_state, expect: {state: committed}}]", "only valid in run mode"},
		{"steps in release", "name: n\ndescription: d\nmode: release\nbody: {steps: [{task: t}]}\nassertions: [{type: final_state, expect: {state: committed}}]", "release mode never begins"},
		{"empty step", "name: n\ndescription: d\nbefore: [{}]\nbody: {return: ok}\nexpect: {case: ok}\nassertions: [{type: final_state, expect: {state: committed}}]", "before[0]: exactly one"},
		{"clone after", "name: n\ndescription: d\nbody: {return: ok}\nafter: [{callback: c, clone: true}]\nexpect: {case: ok}\nassertions: [{type: final_state, expect: {state: committed}}]", "cannot be cloned"},
		{"unknown assertion", "name: n\ndescription: d\nbody: {return: ok}\nexpect: {case: ok}\nassertions: [{type: vibes}]", `unknown assertion type "vibes"`},
		{"trace_order without events", "name: n\ndescription: d\nbody: {return: ok}\nexpect: {case: ok}\nassertions: [{type: trace_order}]", "events list is required"},
		{"trace_count without name", "name: n\ndescription: d\nbody: {return: ok}\nexpect: {case: ok}\nassertions: [{type: trace_count, kind: conn}]", "kind and name are required"},
		{"final_state without expect", "name: n\ndescription: d\nbody: {return: ok}\nexpect: {case: ok}\nassertions: [{type: final_state}]", "expect is required for final_state"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFault_Err(t *testing.T) {
	var none *Fault
	assert.NoError(t, none.err())

	plain := (&Fault{Error: "timeout"}).err()
	assert.EqualError(t, plain, "timeout")
	assert.False(t, txn.IsBrokenConnection(plain))

	broken := (&Fault{Error: "reset", Broken: true}).err()
	assert.EqualError(t, broken, "reset: connection broken")
	assert.True(t, txn.IsBrokenConnection(broken))
}
