// Package scenario holds the built-in scenario catalog and resolves scenario
// names or files into configurations.
package scenario

import (
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"bridgesim/internal/config"
)

//go:embed catalog/*.yaml
var catalogFS embed.FS

// Scenario is a built-in configuration together with what running it must
// produce.
type Scenario struct {
	Name        string
	Description string
	Config      config.SimulationConfig
	Expect      Expect
}

// Expect describes the checked outcome of a built-in scenario.
type Expect struct {
	// StartError is the error code the runner must refuse the scenario with.
	StartError string
	// Outcomes maps "kind/id" to the final state of that intent.
	Outcomes map[string]string
	// Vulnerable is set when at least one probe must be accepted.
	Vulnerable bool
	// Violations lists codes that must be reported.
	Violations []string
}

var expectations = map[string]Expect{
	"lock-and-mint": {
		Outcomes: map[string]string{"transfer/t1": "complete"},
	},
	"optimistic-challenge": {
		Outcomes: map[string]string{
			"transfer/t1":  "reverted",
			"transfer/t2":  "complete",
			"challenge/t1": "applied",
		},
	},
	"validator-quorum-halt": {
		Outcomes: map[string]string{
			"transfer/t1": "complete",
			"transfer/t2": "rejected",
			"transfer/t3": "complete",
		},
	},
	"equal-timeout-swap": {
		StartError: "InvalidTimeoutOrdering",
	},
	"atomic-swap": {
		Outcomes: map[string]string{"swap/s1": "both_claimed"},
	},
	"swap-refund": {
		Outcomes: map[string]string{"swap/s1": "refunded_a"},
	},
	"adversarial-defended": {
		Outcomes: map[string]string{"transfer/t1": "complete"},
	},
	"unprotected-bridge": {
		Vulnerable: true,
		Violations: []string{"UnbackedMint"},
	},
	"partition-recovery": {
		Outcomes: map[string]string{"transfer/t1": "complete"},
	},
	"reorg-beyond-finality": {
		Outcomes:   map[string]string{"transfer/t1": "complete", "swap/s1": "failed"},
		Violations: []string{"ReorgBeyondFinality"},
	},
	"mixed-traffic": {
		Outcomes: map[string]string{
			"transfer/t1": "complete",
			"transfer/t2": "complete",
			"transfer/t3": "complete",
			"transfer/r1": "complete",
			"swap/s1":     "both_claimed",
		},
	},
}

var loadCatalog = sync.OnceValues(func() (map[string]Scenario, error) {
	entries, err := catalogFS.ReadDir("catalog")
	if err != nil {
		return nil, err
	}
	out := make(map[string]Scenario, len(entries))
	for _, e := range entries {
		name := path.Join("catalog", e.Name())
		data, err := catalogFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		if err := config.ValidateWithCue(name, data, config.DefaultSchema); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		cfg, err := config.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[cfg.Name] = Scenario{
			Name:        cfg.Name,
			Description: cfg.Description,
			Config:      *cfg,
			Expect:      expectations[cfg.Name],
		}
	}
	return out, nil
})

// BuiltIn returns the embedded scenario catalog keyed by name.
func BuiltIn() map[string]Scenario {
	sc, err := loadCatalog()
	if err != nil {
		panic(fmt.Sprintf("scenario catalog: %v", err))
	}
	return sc
}

// Names returns the built-in scenario names in sorted order.
func Names() []string {
	sc := BuiltIn()
	names := make([]string, 0, len(sc))
	for n := range sc {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the built-in scenario called name.
func Get(name string) (Scenario, bool) {
	s, ok := BuiltIn()[name]
	return s, ok
}

// Resolve returns the configuration for a built-in scenario name or a path to
// a scenario file. Files are validated in full; built-in scenarios are
// validated when the runner starts.
func Resolve(nameOrPath, schemaPath string) (config.SimulationConfig, error) {
	if s, ok := Get(nameOrPath); ok && schemaPath == "" {
		return s.Config, nil
	}
	if _, err := os.Stat(nameOrPath); err != nil {
		if strings.ContainsAny(nameOrPath, `/\.`) {
			return config.SimulationConfig{}, fmt.Errorf("scenario file: %w", err)
		}
		return config.SimulationConfig{}, fmt.Errorf("unknown scenario %q (built-in: %s)", nameOrPath, strings.Join(Names(), ", "))
	}
	cfg, err := config.LoadWithSchema(nameOrPath, schemaPath)
	if err != nil {
		return config.SimulationConfig{}, err
	}
	return *cfg, nil
}

// Check compares observed results with e and returns one message per
// mismatch. states maps "kind/id" to final state.
func (e Expect) Check(startErr string, states map[string]string, vulnerabilities int, violations []string) []string {
	var out []string
	if e.StartError != "" || startErr != "" {
		if startErr != e.StartError {
			out = append(out, fmt.Sprintf("start error = %q, want %q", startErr, e.StartError))
		}
		return out
	}
	keys := make([]string, 0, len(e.Outcomes))
	for k := range e.Outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if got := states[k]; got != e.Outcomes[k] {
			out = append(out, fmt.Sprintf("%s = %q, want %q", k, got, e.Outcomes[k]))
		}
	}
	if e.Vulnerable != (vulnerabilities > 0) {
		out = append(out, fmt.Sprintf("vulnerabilities = %d, want vulnerable %v", vulnerabilities, e.Vulnerable))
	}
	seen := make(map[string]bool, len(violations))
	for _, v := range violations {
		seen[v] = true
	}
	for _, v := range e.Violations {
		if !seen[v] {
			out = append(out, fmt.Sprintf("missing violation %s", v))
		}
	}
	return out
}
