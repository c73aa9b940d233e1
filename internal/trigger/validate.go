package trigger

import (
	"regexp"
	"time"

	"github.com/kitehq/kite/internal/common/apperr"
	v1 "github.com/kitehq/kite/pkg/api/v1"
)

// maxPromptLength bounds orchestrator-target schedule prompts.
const maxPromptLength = 100_000

// jsonPathPattern accepts the `$.foo.bar` subset used by variable
// mappings. Deep validation happens when the mapping runs.
var jsonPathPattern = regexp.MustCompile(`^\$(\.[a-zA-Z0-9_]+(\[\d+\])?)+$`)

// Validate checks a trigger before it is stored. Webhook path uniqueness
// is left to the store's partial unique index.
func Validate(tr v1.Trigger) error {
	if tr.Name == "" {
		return apperr.Validation("trigger name is required")
	}

	switch tr.Type {
	case v1.TriggerWebhook:
		if tr.Config.Path == "" {
			return apperr.Validation("webhook trigger needs config.path")
		}
		if tr.Config.Method != "GET" && tr.Config.Method != "POST" {
			return apperr.Validation("webhook method must be GET or POST, got %q", tr.Config.Method)
		}
		if tr.WorkflowID == "" {
			return apperr.Validation("webhook trigger needs a workflowId")
		}

	case v1.TriggerSchedule:
		if tr.Config.Cron == "" {
			return apperr.Validation("schedule trigger needs config.cron")
		}
		if _, err := ParseCron(tr.Config.Cron); err != nil {
			return apperr.Validation("invalid cron expression: %v", err)
		}
		if tr.Config.Timezone != "" {
			if _, err := time.LoadLocation(tr.Config.Timezone); err != nil {
				return apperr.Validation("invalid timezone %q", tr.Config.Timezone)
			}
		}
		switch tr.Config.Target {
		case v1.TargetOrchestrator:
			if tr.Config.Prompt == "" {
				return apperr.Validation("orchestrator schedule needs a prompt")
			}
			if len(tr.Config.Prompt) > maxPromptLength {
				return apperr.Validation("prompt exceeds %d characters", maxPromptLength)
			}
		case v1.TargetWorkflow, "":
			if tr.WorkflowID == "" {
				return apperr.Validation("workflow schedule needs a workflowId")
			}
		default:
			return apperr.Validation("schedule target must be workflow or orchestrator, got %q", tr.Config.Target)
		}

	case v1.TriggerManual:
		if tr.WorkflowID == "" {
			return apperr.Validation("manual trigger needs a workflowId")
		}

	default:
		return apperr.Validation("unknown trigger type %q", tr.Type)
	}

	for name, path := range tr.VariableMapping {
		if name == "" {
			return apperr.Validation("variable mapping has an empty name")
		}
		if !jsonPathPattern.MatchString(path) {
			return apperr.Validation("variable %q has invalid JSONPath %q", name, path)
		}
	}
	return nil
}

// normalize fills the defaults validation allows to be absent.
func normalize(tr *v1.Trigger) {
	if tr.Type == v1.TriggerSchedule {
		if tr.Config.Timezone == "" {
			tr.Config.Timezone = "UTC"
		}
		if tr.Config.Target == "" {
			tr.Config.Target = v1.TargetWorkflow
		}
	}
	if tr.Type == v1.TriggerWebhook && tr.Config.Method == "" {
		tr.Config.Method = "POST"
	}
}
