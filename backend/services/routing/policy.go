package routing

import (
	"fmt"
	"os"

	"github.com/primoscope/echotune-router/backend/services/providers"
	"gopkg.in/yaml.v3"
)

// Candidate is one provider+model pair considered during a fallback chain
type Candidate struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// Policy maps a task type (or named strategy) to an ordered three-tier
// provider chain. Fallback and Backup may be empty.
type Policy struct {
	Primary  Candidate `yaml:"primary" json:"primary"`
	Fallback Candidate `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Backup   Candidate `yaml:"backup,omitempty" json:"backup,omitempty"`
}

// Candidates returns the non-empty tiers in order
func (p Policy) Candidates() []Candidate {
	var out []Candidate
	for _, c := range []Candidate{p.Primary, p.Fallback, p.Backup} {
		if c.Provider != "" {
			out = append(out, c)
		}
	}
	return out
}

// PolicyTable holds the routing policies keyed by task type or strategy name.
// The table is immutable after load.
type PolicyTable struct {
	policies map[string]Policy
}

// policyFile is the YAML shape of a policy configuration file
type policyFile struct {
	Policies map[string]Policy `yaml:"policies"`
}

// DefaultPolicyTable returns the built-in routing policies
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{policies: map[string]Policy{
		string(providers.TaskTextGeneration): {
			Primary:  Candidate{Provider: "openai", Model: "gpt-4o-mini"},
			Fallback: Candidate{Provider: "gemini", Model: "gemini-1.5-flash"},
			Backup:   Candidate{Provider: "anthropic", Model: "claude-3-5-haiku-latest"},
		},
		string(providers.TaskEmbeddings): {
			Primary:  Candidate{Provider: "openai", Model: "text-embedding-3-small"},
			Fallback: Candidate{Provider: "gemini", Model: "text-embedding-004"},
		},
		string(providers.TaskRerank): {
			Primary:  Candidate{Provider: "gemini", Model: "gemini-1.5-flash"},
			Fallback: Candidate{Provider: "openai", Model: "gpt-4o-mini"},
		},
		// Named strategies callers may select via options
		"quality": {
			Primary:  Candidate{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
			Fallback: Candidate{Provider: "openai", Model: "gpt-4o"},
			Backup:   Candidate{Provider: "gemini", Model: "gemini-1.5-pro"},
		},
		"economy": {
			Primary:  Candidate{Provider: "gemini", Model: "gemini-1.5-flash"},
			Fallback: Candidate{Provider: "openai", Model: "gpt-4o-mini"},
		},
	}}
}

// LoadPolicyFile reads a YAML policy file and merges it over the defaults.
// File entries replace same-named defaults; unnamed defaults remain.
func LoadPolicyFile(path string) (PolicyTable, error) {
	table := DefaultPolicyTable()

	data, err := os.ReadFile(path)
	if err != nil {
		return table, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return table, fmt.Errorf("failed to parse policy file: %w", err)
	}

	for name, policy := range file.Policies {
		if policy.Primary.Provider == "" {
			return table, fmt.Errorf("policy %q has no primary provider", name)
		}
		table.policies[name] = policy
	}

	return table, nil
}

// Resolve returns the policy for a task type or named strategy
func (t PolicyTable) Resolve(name string) (Policy, bool) {
	p, ok := t.policies[name]
	return p, ok
}

// Names returns all policy names (task types and named strategies)
func (t PolicyTable) Names() []string {
	names := make([]string, 0, len(t.policies))
	for name := range t.policies {
		names = append(names, name)
	}
	return names
}
