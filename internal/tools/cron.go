package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/cron"
)

// CronTool lets the agent manage its own scheduled wake-ups.
type CronTool struct {
	svc *cron.Service
}

func NewCronTool(svc *cron.Service) *CronTool {
	return &CronTool{svc: svc}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return "Manage scheduled jobs: add a recurring reminder/task, list jobs, or remove one."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"enum":        []string{"add", "list", "remove"},
				"description": "What to do",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Job name (for add)",
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression, e.g. '0 9 * * *' for daily at 09:00 (for add)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message delivered to the agent when the job fires (for add)",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (for remove)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)

	switch action {
	case "add":
		tc := TurnFromCtx(ctx)
		if tc == nil {
			return ErrorResult("cron add requires an active conversation")
		}
		name, _ := args["name"].(string)
		schedule, _ := args["schedule"].(string)
		message, _ := args["message"].(string)
		if schedule == "" || message == "" {
			return ErrorResult("schedule and message are required")
		}
		if name == "" {
			name = message
			if len(name) > 40 {
				name = name[:40]
			}
		}
		job, err := t.svc.Add(name, schedule, message, tc.Channel, tc.ChatID)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to add cron job: %v", err))
		}
		return SilentResult(fmt.Sprintf("Scheduled job %s (%q) with schedule %q.", job.ID, job.Name, job.Schedule))

	case "list":
		jobs := t.svc.List()
		if len(jobs) == 0 {
			return SilentResult("No scheduled jobs.")
		}
		var sb strings.Builder
		for _, j := range jobs {
			fmt.Fprintf(&sb, "- %s: %q schedule=%q message=%q\n", j.ID, j.Name, j.Schedule, j.Message)
		}
		return SilentResult(sb.String())

	case "remove":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("id is required")
		}
		if err := t.svc.Remove(id); err != nil {
			return ErrorResult(err.Error())
		}
		return SilentResult(fmt.Sprintf("Removed job %s.", id))

	default:
		return ErrorResult(fmt.Sprintf("unknown action: %q", action))
	}
}
