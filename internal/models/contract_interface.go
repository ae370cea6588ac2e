package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContractInterface is the parsed public surface of a contract
type ContractInterface struct {
	Functions      []FunctionSpec `json:"functions"`
	FungibleTokens []NamedAsset   `json:"fungible_tokens"`
	NonFungible    []NamedAsset   `json:"non_fungible_tokens"`
}

// FunctionSpec describes one contract function
type FunctionSpec struct {
	Name   string         `json:"name"`
	Access string         `json:"access"`
	Args   []FunctionArg  `json:"args"`
	Output map[string]any `json:"outputs,omitempty"`
}

// FunctionArg is a single named, typed argument. Type is kept raw since it may be a
// string ("uint128") or a nested object ({"optional": {"buffer": {"length": 34}}}).
type FunctionArg struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

// NamedAsset names a token defined by the contract
type NamedAsset struct {
	Name string `json:"name"`
}

// ParseContractInterface parses an interface blob. Besides the standard object shape,
// a bare JSON array of function names is accepted.
func ParseContractInterface(raw string) (*ContractInterface, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty interface")
	}

	if strings.HasPrefix(raw, "[") {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err != nil {
			return nil, fmt.Errorf("failed to parse function name list: %w", err)
		}
		ci := &ContractInterface{}
		for _, n := range names {
			ci.Functions = append(ci.Functions, FunctionSpec{Name: n})
		}
		return ci, nil
	}

	var ci ContractInterface
	if err := json.Unmarshal([]byte(raw), &ci); err != nil {
		return nil, fmt.Errorf("failed to parse interface: %w", err)
	}
	return &ci, nil
}

// FunctionNames returns the function names in declaration order
func (ci *ContractInterface) FunctionNames() []string {
	if ci == nil {
		return nil
	}
	names := make([]string, 0, len(ci.Functions))
	for _, f := range ci.Functions {
		names = append(names, f.Name)
	}
	return names
}

// Function looks up a function by name
func (ci *ContractInterface) Function(name string) (FunctionSpec, bool) {
	if ci == nil {
		return FunctionSpec{}, false
	}
	for _, f := range ci.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return FunctionSpec{}, false
}

// TypeName renders an argument type for shape checks
func (a FunctionArg) TypeName() string {
	var s string
	if err := json.Unmarshal(a.Type, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(a.Type, &obj); err == nil {
		for k := range obj {
			return k
		}
	}
	return ""
}
