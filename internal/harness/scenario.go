package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"

	"github.com/roach88/acksync/internal/config"
	"github.com/roach88/acksync/internal/remote/memstore"
)

// Scenario is a scripted run of the acknowledgment pipeline against an
// in-memory remote store with a mock clock.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the default configuration. Only the keys present in
	// the scenario change; the store path is ignored.
	Config config.Config `yaml:"config"`

	// Records lists the records that exist on the remote store.
	Records []string `yaml:"records"`

	// Online is the initial connectivity. Defaults to true.
	Online *bool `yaml:"online,omitempty"`

	// Steps run in order. The pipeline settles after each step.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	// Submit calls SubmitAcknowledgment.
	Submit *SubmitStep `yaml:"submit,omitempty"`

	// SetOnline flips connectivity for both the connectivity monitor and
	// the remote store.
	SetOnline *bool `yaml:"set_online,omitempty"`

	// Advance moves the clock forward, firing due timers one at a time.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Process calls ProcessQueue directly.
	Process bool `yaml:"process,omitempty"`

	// Fault schedules failures on the remote store.
	Fault *FaultStep `yaml:"fault,omitempty"`
}

// SubmitStep submits one acknowledgment.
type SubmitStep struct {
	Targets []string `yaml:"targets"`
	Actor   string   `yaml:"actor"`

	// Copies submits the same acknowledgment from this many goroutines at
	// once. Defaults to 1.
	Copies int `yaml:"copies,omitempty"`

	// Expect is the expected outcome of every copy: ok (default), permanent
	// or invalid.
	Expect string `yaml:"expect,omitempty"`
}

// Submit outcomes.
const (
	OutcomeOK        = "ok"
	OutcomePermanent = "permanent"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// FaultStep fails either the next Count calls of Op, or every write to
// Record, with the gRPC status Code (e.g. "Unavailable").
type FaultStep struct {
	Op     string `yaml:"op,omitempty"`
	Count  int    `yaml:"count,omitempty"`
	Record string `yaml:"record,omitempty"`
	Code   string `yaml:"code"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Count is the expected number (queue_size, write_calls).
	Count *int `yaml:"count,omitempty"`

	// Op is the store primitive counted by write_calls.
	Op string `yaml:"op,omitempty"`

	// Targets are the records checked by acknowledged, not_acknowledged
	// and failed.
	Targets []string `yaml:"targets,omitempty"`

	// Actor owns the acknowledgments checked by acknowledged and
	// not_acknowledged.
	Actor string `yaml:"actor,omitempty"`

	// Expect is a subset of the aggregate metrics (metrics).
	Expect map[string]float64 `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertQueueSize       = "queue_size"
	AssertAcknowledged    = "acknowledged"
	AssertNotAcknowledged = "not_acknowledged"
	AssertFailed          = "failed"
	AssertWriteCalls      = "write_calls"
	AssertMetrics         = "metrics"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Decoding onto the defaults keeps every config key the scenario omits.
	scenario := Scenario{Config: config.Default()}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.Config.Store.Path = ""

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	set := 0
	if s.Submit != nil {
		set++
		switch s.Submit.Expect {
		case "", OutcomeOK, OutcomePermanent, OutcomeInvalid:
		default:
			return fmt.Errorf("steps[%d].submit: unknown expect %q", index, s.Submit.Expect)
		}
		if s.Submit.Copies < 0 {
			return fmt.Errorf("steps[%d].submit: copies must not be negative", index)
		}
	}
	if s.SetOnline != nil {
		set++
	}
	if s.Advance != 0 {
		set++
		if s.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	if s.Process {
		set++
	}
	if s.Fault != nil {
		set++
		if err := validateFault(s.Fault); err != nil {
			return fmt.Errorf("steps[%d].fault: %w", index, err)
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}
	return nil
}

func validateFault(f *FaultStep) error {
	if _, err := parseCode(f.Code); err != nil {
		return err
	}
	switch {
	case f.Record != "" && f.Op != "":
		return fmt.Errorf("op and record are mutually exclusive")
	case f.Record != "":
		return nil
	case f.Op == "":
		return fmt.Errorf("op or record is required")
	case f.Count <= 0:
		return fmt.Errorf("count must be positive")
	}
	_, err := parseOp(f.Op)
	return err
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueueSize:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for queue_size", index)
		}
	case AssertAcknowledged, AssertNotAcknowledged:
		if len(a.Targets) == 0 || a.Actor == "" {
			return fmt.Errorf("assertions[%d]: targets and actor are required for %s", index, a.Type)
		}
	case AssertFailed:
		if a.Targets == nil {
			return fmt.Errorf("assertions[%d]: targets is required for failed (use [] for none)", index)
		}
	case AssertWriteCalls:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for write_calls", index)
		}
		if _, err := parseOp(a.Op); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertMetrics:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for metrics", index)
		}
		for key := range a.Expect {
			if _, ok := metricKeys[key]; !ok {
				return fmt.Errorf("assertions[%d]: unknown metric %q", index, key)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseOp(s string) (memstore.Op, error) {
	switch op := memstore.Op(s); op {
	case memstore.OpTransaction, memstore.OpBatch, memstore.OpUpdate:
		return op, nil
	default:
		return "", fmt.Errorf("unknown op %q", s)
	}
}

func parseCode(s string) (codes.Code, error) {
	for c := codes.OK; c <= codes.Unauthenticated; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return codes.OK, fmt.Errorf("unknown status code %q", s)
}
