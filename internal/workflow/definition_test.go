package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
name: nightly-report
version: 1.2.3
constraints:
  allowSelfModification: true
  approvalTimeoutSeconds: 3600
variables:
  env: prod
steps:
  - id: gather
    type: prompt
    prompt: Summarise yesterday's commits
    output: summary
  - id: gate
    type: approval
    message: Ship the report?
  - id: check
    type: script
    expr: outputs.summary != ""
    output: ok
`

func TestParseDefinition(t *testing.T) {
	def, err := Parse(sampleDoc)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", def.Name)
	assert.Equal(t, "1.2.3", def.Version)
	assert.True(t, def.Constraints.AllowSelfModification)
	assert.Equal(t, 3600, def.Constraints.ApprovalTimeoutSeconds)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, 1, def.StepIndex("gate"))
	assert.Equal(t, -1, def.StepIndex("missing"))
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"no name":        "steps:\n  - id: a\n    type: prompt\n    prompt: x",
		"no steps":       "name: empty",
		"missing id":     "name: w\nsteps:\n  - type: prompt\n    prompt: x",
		"duplicate id":   "name: w\nsteps:\n  - id: a\n    type: prompt\n    prompt: x\n  - id: a\n    type: prompt\n    prompt: y",
		"unknown type":   "name: w\nsteps:\n  - id: a\n    type: magic",
		"prompt missing": "name: w\nsteps:\n  - id: a\n    type: prompt",
		"expr missing":   "name: w\nsteps:\n  - id: a\n    type: script",
		"not yaml":       "{{{",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(doc)
			assert.Error(t, err)
		})
	}
}

func TestHashIsStable(t *testing.T) {
	assert.Equal(t, Hash(sampleDoc), Hash(sampleDoc))
	assert.NotEqual(t, Hash(sampleDoc), Hash(sampleDoc+"\n"))
	assert.Len(t, Hash(sampleDoc), 64)
}

func TestBumpPatch(t *testing.T) {
	assert.Equal(t, "1.2.4", BumpPatch("1.2.3"))
	assert.Equal(t, "0.0.1", BumpPatch("0.0.0"))
	assert.Equal(t, "source.1", BumpPatch("source"))
	assert.Equal(t, "1.2.x.1", BumpPatch("1.2.x"))
	assert.Equal(t, ".1", BumpPatch(""))
}
