package chain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// HopSpec is the JSON/YAML-serializable form of a Hop, naming the action by
// string instead of the numeric Action so a default-chain file stays
// readable.
type HopSpec struct {
	Action      string `json:"action" yaml:"action"`
	Destination uint16 `json:"destination" yaml:"destination"`
}

// ChainSpec is the on-disk description of the boot-time default chain the
// resolver falls back to for flows absent from the flow table.
// Flow-table-backed chains are installed at runtime by the flow-installer
// NF and never go through this loader.
type ChainSpec struct {
	Hops []HopSpec `json:"hops" yaml:"hops"`
}

// ParseChainSpecAuto detects JSON vs YAML from filename's extension and
// parses data into a ChainSpec, trying both when the extension is
// ambiguous.
func ParseChainSpecAuto(data []byte, filename string) (*ChainSpec, error) {
	var spec ChainSpec
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("chain: failed to parse YAML chain spec: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("chain: failed to parse JSON chain spec: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &spec); err != nil {
			if err2 := yaml.Unmarshal(data, &spec); err2 != nil {
				return nil, fmt.Errorf("chain: failed to parse chain spec (tried JSON and YAML): JSON: %v; YAML: %v", err, err2)
			}
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks that every hop names a recognized action and that the
// chain fits MaxLength.
func (s *ChainSpec) Validate() error {
	if len(s.Hops) > MaxLength {
		return fmt.Errorf("chain: %d hops exceeds MaxLength %d", len(s.Hops), MaxLength)
	}
	for i, h := range s.Hops {
		if _, ok := actionNames[strings.ToLower(h.Action)]; !ok {
			return fmt.Errorf("chain: hop[%d]: unrecognized action %q", i, h.Action)
		}
	}
	return nil
}

var actionNames = map[string]Action{
	"drop": ActionDrop,
	"next": ActionNext,
	"tonf": ActionToNF,
	"out":  ActionOut,
}

// Build converts s into a Chain ready for use as a Resolver's default.
func (s *ChainSpec) Build() *Chain {
	hops := make([]Hop, len(s.Hops))
	for i, h := range s.Hops {
		hops[i] = Hop{Action: actionNames[strings.ToLower(h.Action)], Destination: h.Destination}
	}
	return NewChain(hops...)
}
