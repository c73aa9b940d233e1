package trigger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitehq/kite/internal/common/apperr"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

func validWebhook() v1.Trigger {
	return v1.Trigger{
		Name:       "deploy hook",
		WorkflowID: "wf1",
		Type:       v1.TriggerWebhook,
		Config:     v1.TriggerConfig{Path: "deploy", Method: "POST"},
	}
}

func validSchedule() v1.Trigger {
	return v1.Trigger{
		Name:       "nightly",
		WorkflowID: "wf1",
		Type:       v1.TriggerSchedule,
		Config:     v1.TriggerConfig{Cron: "0 2 * * *", Timezone: "UTC", Target: v1.TargetWorkflow},
	}
}

func TestValidateAcceptsWellFormedTriggers(t *testing.T) {
	require.NoError(t, Validate(validWebhook()))
	require.NoError(t, Validate(validSchedule()))
	require.NoError(t, Validate(v1.Trigger{
		Name:       "by hand",
		WorkflowID: "wf1",
		Type:       v1.TriggerManual,
	}))

	orchestrator := validSchedule()
	orchestrator.WorkflowID = ""
	orchestrator.Config.Target = v1.TargetOrchestrator
	orchestrator.Config.Prompt = "summarize open tasks"
	require.NoError(t, Validate(orchestrator))
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func() v1.Trigger{
		"missing name": func() v1.Trigger {
			tr := validWebhook()
			tr.Name = ""
			return tr
		},
		"unknown type": func() v1.Trigger {
			tr := validWebhook()
			tr.Type = "polling"
			return tr
		},
		"webhook without path": func() v1.Trigger {
			tr := validWebhook()
			tr.Config.Path = ""
			return tr
		},
		"webhook with bad method": func() v1.Trigger {
			tr := validWebhook()
			tr.Config.Method = "DELETE"
			return tr
		},
		"webhook without workflow": func() v1.Trigger {
			tr := validWebhook()
			tr.WorkflowID = ""
			return tr
		},
		"schedule without cron": func() v1.Trigger {
			tr := validSchedule()
			tr.Config.Cron = ""
			return tr
		},
		"schedule with bad cron": func() v1.Trigger {
			tr := validSchedule()
			tr.Config.Cron = "99 * * * *"
			return tr
		},
		"schedule with bad timezone": func() v1.Trigger {
			tr := validSchedule()
			tr.Config.Timezone = "Mars/Olympus"
			return tr
		},
		"schedule with bad target": func() v1.Trigger {
			tr := validSchedule()
			tr.Config.Target = "channel"
			return tr
		},
		"workflow schedule without workflow": func() v1.Trigger {
			tr := validSchedule()
			tr.WorkflowID = ""
			return tr
		},
		"orchestrator schedule without prompt": func() v1.Trigger {
			tr := validSchedule()
			tr.Config.Target = v1.TargetOrchestrator
			tr.Config.Prompt = ""
			return tr
		},
		"orchestrator prompt too long": func() v1.Trigger {
			tr := validSchedule()
			tr.Config.Target = v1.TargetOrchestrator
			tr.Config.Prompt = strings.Repeat("x", maxPromptLength+1)
			return tr
		},
		"manual without workflow": func() v1.Trigger {
			tr := validWebhook()
			tr.Type = v1.TriggerManual
			tr.WorkflowID = ""
			return tr
		},
		"mapping with bad path": func() v1.Trigger {
			tr := validWebhook()
			tr.VariableMapping = map[string]string{"branch": "ref.name"}
			return tr
		},
		"mapping with empty name": func() v1.Trigger {
			tr := validWebhook()
			tr.VariableMapping = map[string]string{"": "$.ref"}
			return tr
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(build())
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
		})
	}
}

func TestValidateMappingPaths(t *testing.T) {
	tr := validWebhook()
	tr.VariableMapping = map[string]string{
		"branch": "$.ref",
		"author": "$.commits[0].author",
		"nested": "$.repository.owner.login",
	}
	require.NoError(t, Validate(tr))
}

func TestNormalizeFillsDefaults(t *testing.T) {
	schedule := v1.Trigger{
		Name:       "nightly",
		WorkflowID: "wf1",
		Type:       v1.TriggerSchedule,
		Config:     v1.TriggerConfig{Cron: "0 2 * * *"},
	}
	normalize(&schedule)
	assert.Equal(t, "UTC", schedule.Config.Timezone)
	assert.Equal(t, v1.TargetWorkflow, schedule.Config.Target)

	webhook := v1.Trigger{
		Name:       "hook",
		WorkflowID: "wf1",
		Type:       v1.TriggerWebhook,
		Config:     v1.TriggerConfig{Path: "deploy"},
	}
	normalize(&webhook)
	assert.Equal(t, "POST", webhook.Config.Method)
}
