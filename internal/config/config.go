// Scenario configuration: YAML files validated against a CUE schema.
package config

import (
	"fmt"
	"os"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"bridgesim/internal/bridge"
	"bridgesim/internal/chain"
	"bridgesim/internal/failure"
	"bridgesim/internal/swap"
)

// Chain defines one simulated ledger.
type Chain struct {
	ID             string `yaml:"id" json:"id"`
	Confirmations  int64  `yaml:"confirmations" json:"confirmations"`
	FinalityBlocks int64  `yaml:"finality_blocks" json:"finality_blocks"`
	BlockInterval  int64  `yaml:"block_interval" json:"block_interval"`
	MaxBlockTxs    int    `yaml:"max_block_txs,omitempty" json:"max_block_txs,omitempty"`
}

// Security toggles bridge checks. Unset fields stay enabled.
type Security struct {
	ReplayProtection     *bool `yaml:"replay_protection,omitempty" json:"replay_protection,omitempty"`
	VerifyPayload        *bool `yaml:"verify_payload,omitempty" json:"verify_payload,omitempty"`
	EnforceConfirmations *bool `yaml:"enforce_confirmations,omitempty" json:"enforce_confirmations,omitempty"`
}

// Bridge defines a bridge between two declared chains.
type Bridge struct {
	ID                    string   `yaml:"id" json:"id"`
	Type                  string   `yaml:"type" json:"type"`
	Source                string   `yaml:"source" json:"source"`
	Destination           string   `yaml:"destination" json:"destination"`
	ConfirmationThreshold int64    `yaml:"confirmation_threshold" json:"confirmation_threshold"`
	ChallengePeriod       int64    `yaml:"challenge_period,omitempty" json:"challenge_period,omitempty"`
	Validators            int      `yaml:"validators" json:"validators"`
	Quorum                int      `yaml:"quorum,omitempty" json:"quorum,omitempty"`
	Latency               int64    `yaml:"latency" json:"latency"`
	Jitter                int64    `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	DropProbability       float64  `yaml:"drop_probability,omitempty" json:"drop_probability,omitempty"`
	DegradedLatencyMult   float64  `yaml:"degraded_latency_multiplier,omitempty" json:"degraded_latency_multiplier,omitempty"`
	DegradedFailureMult   float64  `yaml:"degraded_failure_multiplier,omitempty" json:"degraded_failure_multiplier,omitempty"`
	TransferTimeout       int64    `yaml:"transfer_timeout,omitempty" json:"transfer_timeout,omitempty"`
	MaxRetries            int      `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Security              Security `yaml:"security,omitempty" json:"security,omitempty"`
}

// Transfer is a transfer intent submitted at tick At.
type Transfer struct {
	ID        string `yaml:"id" json:"id"`
	Bridge    string `yaml:"bridge" json:"bridge"`
	Direction string `yaml:"direction,omitempty" json:"direction,omitempty"`
	Token     string `yaml:"token,omitempty" json:"token,omitempty"`
	Amount    string `yaml:"amount" json:"amount"`
	At        int64  `yaml:"at" json:"at"`
}

// SwapLeg is one side of a swap intent. Timeout is an absolute block height.
type SwapLeg struct {
	Chain   string `yaml:"chain" json:"chain"`
	Token   string `yaml:"token,omitempty" json:"token,omitempty"`
	Amount  string `yaml:"amount" json:"amount"`
	Timeout int64  `yaml:"timeout" json:"timeout"`
}

// Swap is an atomic swap intent proposed at tick At.
type Swap struct {
	ID           string  `yaml:"id" json:"id"`
	Initiator    string  `yaml:"initiator,omitempty" json:"initiator,omitempty"`
	Counterparty string  `yaml:"counterparty,omitempty" json:"counterparty,omitempty"`
	A            SwapLeg `yaml:"a" json:"a"`
	B            SwapLeg `yaml:"b" json:"b"`
	ClaimAfter   int64   `yaml:"claim_after,omitempty" json:"claim_after,omitempty"`
	At           int64   `yaml:"at" json:"at"`
}

// Challenge disputes an optimistic transfer AfterDelivery ticks after its
// message was delivered.
type Challenge struct {
	Transfer      string `yaml:"transfer" json:"transfer"`
	AfterDelivery int64  `yaml:"after_delivery" json:"after_delivery"`
}

// Failure schedules a failure event.
type Failure struct {
	ID       string             `yaml:"id,omitempty" json:"id,omitempty"`
	Kind     string             `yaml:"kind" json:"kind"`
	Target   string             `yaml:"target" json:"target"`
	Peer     string             `yaml:"peer,omitempty" json:"peer,omitempty"`
	Start    int64              `yaml:"start" json:"start"`
	Duration int64              `yaml:"duration,omitempty" json:"duration,omitempty"`
	Params   map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
	Tag      string             `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// SwapSettings tune how the claim secret travels between chains.
type SwapSettings struct {
	SecretLatency         int64   `yaml:"secret_latency,omitempty" json:"secret_latency,omitempty"`
	SecretDropProbability float64 `yaml:"secret_drop_probability,omitempty" json:"secret_drop_probability,omitempty"`
	SecretRetries         int     `yaml:"secret_retries,omitempty" json:"secret_retries,omitempty"`
}

// SimulationConfig is the root of a scenario file.
type SimulationConfig struct {
	Name         string       `yaml:"name" json:"name"`
	Description  string       `yaml:"description,omitempty" json:"description,omitempty"`
	Seed         int64        `yaml:"seed" json:"seed"`
	TickSeconds  float64      `yaml:"tick_seconds" json:"tick_seconds"`
	MaxTicks     int64        `yaml:"max_ticks" json:"max_ticks"`
	Chains       []Chain      `yaml:"chains" json:"chains"`
	Bridges      []Bridge     `yaml:"bridges" json:"bridges"`
	Transfers    []Transfer   `yaml:"transfers,omitempty" json:"transfers,omitempty"`
	Swaps        []Swap       `yaml:"swaps,omitempty" json:"swaps,omitempty"`
	SwapSettings SwapSettings `yaml:"swap_settings,omitempty" json:"swap_settings,omitempty"`
	Challenges   []Challenge  `yaml:"challenges,omitempty" json:"challenges,omitempty"`
	Failures     []Failure    `yaml:"failures,omitempty" json:"failures,omitempty"`
}

const (
	DefaultTickSeconds   = 12.0
	DefaultMaxTicks      = 1000
	DefaultDegradedMult  = 2.0
	DefaultSecretLatency = 1
	DefaultSecretRetries = 3
)

// Load reads path, validates it against the embedded CUE schema and the
// cross-reference rules, and returns the defaulted configuration.
func Load(path string) (*SimulationConfig, error) {
	return LoadWithSchema(path, "")
}

// LoadWithSchema is Load with a CUE schema file overriding the embedded one.
func LoadWithSchema(path, schemaPath string) (*SimulationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read scenario: %w", err)
	}
	schema := DefaultSchema
	if schemaPath != "" {
		b, err := os.ReadFile(schemaPath)
		if err != nil {
			return nil, fmt.Errorf("cannot read CUE schema: %w", err)
		}
		schema = string(b)
	}
	if err := ValidateWithCue(path, data, schema); err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates references.
func Parse(data []byte) (*SimulationConfig, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode unmarshals YAML and applies defaults without validating references.
func Decode(data []byte) (*SimulationConfig, error) {
	var cfg SimulationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal scenario: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values. It is idempotent.
func (c *SimulationConfig) ApplyDefaults() {
	if c.TickSeconds <= 0 {
		c.TickSeconds = DefaultTickSeconds
	}
	if c.MaxTicks <= 0 {
		c.MaxTicks = DefaultMaxTicks
	}
	for i := range c.Chains {
		if c.Chains[i].BlockInterval <= 0 {
			c.Chains[i].BlockInterval = 1
		}
	}
	for i := range c.Bridges {
		b := &c.Bridges[i]
		if b.Type == "" {
			b.Type = string(bridge.KindLockAndMint)
		}
		if b.DegradedLatencyMult == 0 {
			b.DegradedLatencyMult = DefaultDegradedMult
		}
		if b.DegradedFailureMult == 0 {
			b.DegradedFailureMult = DefaultDegradedMult
		}
	}
	for i := range c.Transfers {
		if c.Transfers[i].Direction == "" {
			c.Transfers[i].Direction = string(bridge.Forward)
		}
	}
	if c.SwapSettings.SecretLatency == 0 {
		c.SwapSettings.SecretLatency = DefaultSecretLatency
	}
	if c.SwapSettings.SecretRetries == 0 {
		c.SwapSettings.SecretRetries = DefaultSecretRetries
	}
}

// ChainConfig converts to the chain model's parameters.
func (c Chain) ChainConfig() chain.Config {
	return chain.Config{
		ID:             c.ID,
		Confirmations:  c.Confirmations,
		FinalityBlocks: c.FinalityBlocks,
		BlockInterval:  c.BlockInterval,
		MaxBlockTxs:    c.MaxBlockTxs,
	}
}

// BridgeConfig converts to the bridge's parameters.
func (b Bridge) BridgeConfig() bridge.Config {
	sec := bridge.DefaultSecurity()
	if b.Security.ReplayProtection != nil {
		sec.ReplayProtection = *b.Security.ReplayProtection
	}
	if b.Security.VerifyPayload != nil {
		sec.VerifyPayload = *b.Security.VerifyPayload
	}
	if b.Security.EnforceConfirmations != nil {
		sec.EnforceConfirmations = *b.Security.EnforceConfirmations
	}
	return bridge.Config{
		ID:                    b.ID,
		Kind:                  bridge.Kind(b.Type),
		Source:                b.Source,
		Destination:           b.Destination,
		ConfirmationThreshold: b.ConfirmationThreshold,
		ChallengePeriod:       b.ChallengePeriod,
		Validators:            b.Validators,
		Quorum:                b.Quorum,
		Latency:               b.Latency,
		Jitter:                b.Jitter,
		DropProbability:       b.DropProbability,
		DegradedLatencyMult:   b.DegradedLatencyMult,
		DegradedFailureMult:   b.DegradedFailureMult,
		TransferTimeout:       b.TransferTimeout,
		MaxRetries:            b.MaxRetries,
		Security:              sec,
	}
}

// Request converts the intent into a bridge request.
func (t Transfer) Request() (bridge.Request, error) {
	amount, err := ParseAmount(t.Amount)
	if err != nil {
		return bridge.Request{}, fmt.Errorf("transfer %s: %w", t.ID, err)
	}
	return bridge.Request{ID: t.ID, Direction: bridge.Direction(t.Direction), Token: t.Token, Amount: amount}, nil
}

// Request converts the intent into a swap proposal.
func (s Swap) Request() (swap.Request, error) {
	a, err := s.A.spec()
	if err != nil {
		return swap.Request{}, fmt.Errorf("swap %s leg a: %w", s.ID, err)
	}
	b, err := s.B.spec()
	if err != nil {
		return swap.Request{}, fmt.Errorf("swap %s leg b: %w", s.ID, err)
	}
	return swap.Request{
		ID:           s.ID,
		Initiator:    s.Initiator,
		Counterparty: s.Counterparty,
		A:            a,
		B:            b,
		ClaimAfter:   s.ClaimAfter,
	}, nil
}

func (l SwapLeg) spec() (swap.LegSpec, error) {
	amount, err := ParseAmount(l.Amount)
	if err != nil {
		return swap.LegSpec{}, err
	}
	return swap.LegSpec{Chain: l.Chain, Token: l.Token, Amount: amount, Timeout: l.Timeout}, nil
}

// Event converts the entry into a failure event.
func (f Failure) Event() failure.Event {
	return failure.Event{
		ID:       f.ID,
		Kind:     failure.Kind(f.Kind),
		Target:   f.Target,
		Peer:     f.Peer,
		Start:    f.Start,
		Duration: f.Duration,
		Params:   f.Params,
		Tag:      f.Tag,
	}
}

// Events converts every failure entry.
func (c *SimulationConfig) Events() []failure.Event {
	out := make([]failure.Event, 0, len(c.Failures))
	for _, f := range c.Failures {
		out = append(out, f.Event())
	}
	return out
}

// SwapConfig returns the swap engine settings.
func (c *SimulationConfig) SwapConfig() swap.Config {
	return swap.Config{
		SecretLatency:  c.SwapSettings.SecretLatency,
		SecretDropProb: c.SwapSettings.SecretDropProbability,
		SecretRetries:  c.SwapSettings.SecretRetries,
	}
}

// ParseAmount parses a positive base-10 token amount.
func ParseAmount(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("amount %q: %w", s, ErrInvalidAmount)
	}
	if v.IsZero() {
		return uint256.Int{}, fmt.Errorf("amount %q: %w", s, ErrInvalidAmount)
	}
	return *v, nil
}
