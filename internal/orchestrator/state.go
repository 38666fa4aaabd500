package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Tributary/internal/domain"
)

// ChildState — статус одного дочернего job flow.
type ChildState struct {
	JobID  string           `json:"jobId"`
	Label  string           `json:"uniqueSpecLabel"`
	Status domain.JobStatus `json:"status"`
}

// FlowState — сводка выполнения job flow по его детям.
type FlowState struct {
	JobID    string                   `json:"jobId"`
	Children []ChildState             `json:"children"`
	ByStatus map[domain.JobStatus]int `json:"byStatus"`
}

// Done возвращает true, когда все дети в терминальном статусе.
func (s *FlowState) Done() bool {
	for _, c := range s.Children {
		if !c.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Failed возвращает true, если хотя бы один ребёнок упал.
func (s *FlowState) Failed() bool {
	return s.ByStatus[domain.JobStatusFailed] > 0
}

// State собирает статусы дочерних jobs.
func (o *Orchestrator) State(ctx context.Context, projectID, jobID string) (*FlowState, error) {
	children, err := o.rt.Children(ctx, projectID, jobID)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", jobID, err)
	}

	state := &FlowState{
		JobID:    jobID,
		Children: make([]ChildState, 0, len(children)),
		ByStatus: make(map[domain.JobStatus]int),
	}

	for _, rel := range children {
		c := ChildState{JobID: rel.ChildJobID, Label: rel.UniqueSpecLabel}

		rec, err := o.rt.Status(ctx, projectID, rel.ChildJobID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.Status = domain.JobStatusRequested
		case err != nil:
			return nil, fmt.Errorf("status of %s: %w", rel.ChildJobID, err)
		default:
			c.Status = rec.Status
		}

		state.ByStatus[c.Status]++
		state.Children = append(state.Children, c)
	}
	return state, nil
}
