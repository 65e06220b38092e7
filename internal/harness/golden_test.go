package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/acksync/internal/ir"
)

func TestMarshalTrace_Canonical(t *testing.T) {
	result := NewResult()
	result.Trace = []TraceEvent{
		{Seq: 1, At: 0, Type: EventItem, Item: "item-1", Status: "pending", Attempt: 1, Targets: []ir.RecordRef{"m1"}},
		{Seq: 2, At: 1500 * time.Millisecond, Type: EventSubmit, Targets: []ir.RecordRef{"m1"}, Outcome: OutcomePermanent, Failed: []ir.RecordRef{"m1"}, Copies: 2},
		{Seq: 3, At: time.Minute, Type: EventAdvance, Detail: "1m0s"},
	}

	data, err := MarshalTrace("example", result)
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario_name":"example","trace":[`+
			`{"at":"0s","attempt":1,"item":"item-1","seq":1,"status":"pending","targets":["m1"],"type":"item"},`+
			`{"at":"1.5s","copies":2,"failed":["m1"],"outcome":"permanent","seq":2,"targets":["m1"],"type":"submit"},`+
			`{"at":"1m0s","detail":"1m0s","seq":3,"type":"advance"}]}`,
		string(data))
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	scenario := newScenario("deterministic", []Step{
		{Submit: &SubmitStep{Targets: []string{"m1", "m2"}, Actor: "u1"}},
		{Advance: 3 * time.Second},
		{SetOnline: boolPtr(true)},
		{Advance: 2 * time.Second},
	},
		// The flush at 5s finds the item still backing off until 7s.
		Assertion{Type: AssertQueueSize, Count: intPtr(1)},
	)
	scenario.Online = boolPtr(false)

	var traces []string
	for range 3 {
		result, err := Run(scenario)
		require.NoError(t, err)
		require.True(t, result.Pass, result.Errors)
		data, err := MarshalTrace(scenario.Name, result)
		require.NoError(t, err)
		traces = append(traces, string(data))
	}
	assert.Equal(t, traces[0], traces[1])
	assert.Equal(t, traces[0], traces[2])
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/tiered_fallback.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NoError(t, AssertGolden(t, scenario.Name, result))
}
