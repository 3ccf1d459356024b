package api

import (
	"fmt"
	"time"

	"process-engine/internal/engine"
	"process-engine/internal/models"
)

// Synthetic scenarios for the bulk test endpoint.
const (
	ScenarioNoop     = "noop"
	ScenarioDelegate = "delegate"
	ScenarioTimeout  = "timeout"
	ScenarioWebhook  = "webhook"
	ScenarioThrow    = "throw"
)

// ScenarioDelegateName is the delegate the engine binary registers for the
// delegate scenario.
const ScenarioDelegateName = "scenario-delegate"

// ScenarioTasks builds the task list for one synthetic job.
func ScenarioTasks(scenario string, instance models.InstanceInformation) ([]engine.TaskRequest, error) {
	switch scenario {
	case ScenarioNoop:
		return []engine.TaskRequest{
			{Command: models.Command{Type: models.CommandNoop}},
			{Command: models.Command{Type: models.CommandNoop}},
		}, nil
	case ScenarioDelegate:
		cmd := models.Command{
			Type:     models.CommandDelegate,
			Delegate: &models.DelegateCommand{Name: ScenarioDelegateName},
		}
		return []engine.TaskRequest{{Command: cmd}, {Command: cmd}}, nil
	case ScenarioTimeout:
		cmd := models.Command{
			Type:    models.CommandTimeout,
			Timeout: &models.TimeoutCommand{Duration: models.Duration(500 * time.Millisecond)},
		}
		return []engine.TaskRequest{{Command: cmd}, {Command: cmd}}, nil
	case ScenarioWebhook:
		uri := fmt.Sprintf("/%s/%s/instances/%d/%s/process-engine/test/scenario-callback",
			instance.Org, instance.App, instance.InstanceOwnerPartyID, instance.InstanceGUID)
		return []engine.TaskRequest{
			{Command: models.Command{
				Type:    models.CommandWebhook,
				Webhook: &models.WebhookCommand{URI: uri},
			}},
		}, nil
	case ScenarioThrow:
		return []engine.TaskRequest{
			{
				Command: models.Command{
					Type:  models.CommandThrow,
					Throw: &models.ThrowCommand{Message: "synthetic failure"},
				},
				Retry: models.ConstantRetry(100*time.Millisecond, 3),
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown test scenario %q", scenario)
	}
}
