package workflows

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/client"
)

const (
	QuerySignalName = "query"
)

type Service struct {
	client    client.Client
	taskQueue string
}

func NewService(client client.Client, taskQueue string) *Service {
	if taskQueue == "" {
		taskQueue = "research-runs"
	}
	return &Service{client: client, taskQueue: taskQueue}
}

func (s *Service) StartRun(ctx context.Context, runID string) error {
	options := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.ExecuteWorkflow(ctx, options, RunWorkflow, RunInput{RunID: runID})
	return err
}

// SignalQuery delivers the research query, starting the workflow if the
// run was created without one in flight.
func (s *Service) SignalQuery(ctx context.Context, runID string, query string) error {
	query = strings.TrimSpace(query)
	if query == "" {
		return fmt.Errorf("query required for run %s", runID)
	}
	options := client.StartWorkflowOptions{
		ID:        workflowID(runID),
		TaskQueue: s.taskQueue,
	}
	_, err := s.client.SignalWithStartWorkflow(
		ctx,
		workflowID(runID),
		QuerySignalName,
		query,
		options,
		RunWorkflow,
		RunInput{RunID: runID},
	)
	return err
}

func (s *Service) CancelRun(ctx context.Context, runID string) error {
	return s.client.CancelWorkflow(ctx, workflowID(runID), "")
}

func workflowID(runID string) string {
	return fmt.Sprintf("run:%s", runID)
}
