// Package workflow implements the durable workflow execution runtime:
// definitions, execution rows with step traces, the executor, approval
// gates, reconciliation, self-modification proposals, and version history.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step types understood by the executor.
const (
	StepTypePrompt   = "prompt"
	StepTypeApproval = "approval"
	StepTypeScript   = "script"
)

// Approval timeout default actions.
const (
	TimeoutActionFail = "fail"
	TimeoutActionDeny = "deny"
)

// Constraints bound what a workflow may do at runtime.
type Constraints struct {
	AllowSelfModification  bool `yaml:"allowSelfModification" json:"allowSelfModification"`
	ApprovalTimeoutSeconds int  `yaml:"approvalTimeoutSeconds" json:"approvalTimeoutSeconds"`
}

// Step is one node of the declarative step graph.
type Step struct {
	ID        string `yaml:"id" json:"id"`
	Type      string `yaml:"type" json:"type"`
	Prompt    string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Output    string `yaml:"output,omitempty" json:"output,omitempty"`
	Expr      string `yaml:"expr,omitempty" json:"expr,omitempty"`
	Message   string `yaml:"message,omitempty" json:"message,omitempty"`
	OnTimeout string `yaml:"onTimeout,omitempty" json:"onTimeout,omitempty"`
}

// Definition is the parsed workflow document. The raw YAML is what gets
// snapshotted and hashed; the Definition is derived state.
type Definition struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version,omitempty" json:"version,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Constraints Constraints       `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Variables   map[string]any    `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps       []Step            `yaml:"steps" json:"steps"`
	Outputs     map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Parse decodes and validates a workflow document.
func Parse(data string) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("invalid workflow document: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow document missing name")
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("workflow %s has no steps", def.Name)
	}
	seen := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return nil, fmt.Errorf("workflow %s: step %d missing id", def.Name, i)
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("workflow %s: duplicate step id %q", def.Name, step.ID)
		}
		seen[step.ID] = true
		switch step.Type {
		case StepTypePrompt:
			if step.Prompt == "" {
				return nil, fmt.Errorf("workflow %s: prompt step %q has no prompt", def.Name, step.ID)
			}
		case StepTypeApproval:
		case StepTypeScript:
			if step.Expr == "" {
				return nil, fmt.Errorf("workflow %s: script step %q has no expr", def.Name, step.ID)
			}
		default:
			return nil, fmt.Errorf("workflow %s: step %q has unknown type %q", def.Name, step.ID, step.Type)
		}
	}
	return &def, nil
}

// StepIndex returns the position of a step id, or -1.
func (d *Definition) StepIndex(stepID string) int {
	for i, step := range d.Steps {
		if step.ID == stepID {
			return i
		}
	}
	return -1
}

// Hash computes the canonical content hash of a workflow snapshot.
func Hash(snapshot string) string {
	sum := sha256.Sum256([]byte(snapshot))
	return hex.EncodeToString(sum[:])
}

// BumpPatch increments the patch component of a semver-ish version string.
// Malformed input collapses to "{input}.1" so a bump always changes the
// version.
func BumpPatch(version string) string {
	parts := strings.Split(version, ".")
	if len(parts) == 3 {
		if patch, err := strconv.Atoi(parts[2]); err == nil {
			return fmt.Sprintf("%s.%s.%d", parts[0], parts[1], patch+1)
		}
	}
	return version + ".1"
}
