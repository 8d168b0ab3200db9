package aiagent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nightcrew/skedge/pkg/models"
)

func planWithCalls(calls ...models.EndpointCall) models.AIAgentPlanResponse {
	return models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategySequential,
		ConcurrencyLimit:  1,
		EndpointCalls:     calls,
		Confidence:        0.9,
	}
}

func TestValidatePlanSemanticsRejectsSelfLoop(t *testing.T) {
	plan := planWithCalls(models.EndpointCall{EndpointID: "ep-1", Priority: 1, DependsOn: []string{"ep-1"}})
	err := validatePlanSemantics(plan, Config{SemanticStrict: true})
	assert.Error(t, err)
}

func TestValidatePlanSemanticsRejectsMultiNodeCycle(t *testing.T) {
	plan := planWithCalls(
		models.EndpointCall{EndpointID: "ep-1", Priority: 1, DependsOn: []string{"ep-3"}},
		models.EndpointCall{EndpointID: "ep-2", Priority: 2, DependsOn: []string{"ep-1"}},
		models.EndpointCall{EndpointID: "ep-3", Priority: 3, DependsOn: []string{"ep-2"}},
	)
	err := validatePlanSemantics(plan, Config{SemanticStrict: true})
	assert.Error(t, err, "ep-1 -> ep-3 -> ep-2 -> ep-1 is a cycle and must be rejected")
}

func TestValidatePlanSemanticsAcceptsDAG(t *testing.T) {
	plan := planWithCalls(
		models.EndpointCall{EndpointID: "ep-1", Priority: 1},
		models.EndpointCall{EndpointID: "ep-2", Priority: 2, DependsOn: []string{"ep-1"}},
		models.EndpointCall{EndpointID: "ep-3", Priority: 3, DependsOn: []string{"ep-1", "ep-2"}},
	)
	err := validatePlanSemantics(plan, Config{SemanticStrict: true})
	assert.NoError(t, err)
}
