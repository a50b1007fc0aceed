package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

type RunInput struct {
	RunID string
}

type RunResult struct {
	Status           string
	CompletionReason string
}

// RunWorkflow hosts one research run. The run body executes inside a single
// long activity; the workflow adds durable start/signal/cancel semantics
// around it. The loop starts when the query signal arrives.
func RunWorkflow(ctx workflow.Context, input RunInput) (RunResult, error) {
	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		WaitForCancellation: true,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)
	logger := workflow.GetLogger(ctx)

	queryCh := workflow.GetSignalChannel(ctx, QuerySignalName)
	var query string
	received := false
	selector := workflow.NewSelector(ctx)
	selector.AddReceive(queryCh, func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, &query)
		received = true
	})
	selector.AddReceive(ctx.Done(), func(c workflow.ReceiveChannel, more bool) {})
	selector.Select(ctx)
	if !received || ctx.Err() != nil {
		return RunResult{Status: "cancelled", CompletionReason: "user_cancelled"}, nil
	}

	result := ResearchOutput{}
	err := workflow.ExecuteActivity(ctx, "ExecuteResearch", ResearchInput{
		RunID: input.RunID,
		Query: query,
	}).Get(ctx, &result)
	if err != nil {
		if ctx.Err() != nil || temporal.IsCanceledError(err) {
			return RunResult{Status: "cancelled", CompletionReason: "user_cancelled"}, nil
		}
		logger.Error("research activity failed", "run_id", input.RunID, "error", err)
		// The engine emits run.failed on its own errors; this covers
		// activity-level failures (timeouts, panics) that never reach it.
		failureInput := RunFailureInput{
			RunID: input.RunID,
			Error: err.Error(),
		}
		if failureErr := workflow.ExecuteActivity(ctx, "HandleRunFailure", failureInput).Get(ctx, nil); failureErr != nil {
			logger.Error("failed to persist run failure event", "error", failureErr)
		}
		return RunResult{Status: "failed", CompletionReason: "activity_error"}, nil
	}
	return RunResult{Status: result.Status, CompletionReason: result.CompletionReason}, nil
}
