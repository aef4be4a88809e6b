package message

import (
	"errors"
	"fmt"
)

// Subtask outcome values carried by SubtaskResult.Status.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Ack status values.
const (
	AckAccepted = "accepted"
	AckRejected = "rejected"
)

// Control actions.
const (
	ControlPause  = "pause"
	ControlResume = "resume"
	ControlCancel = "cancel"
)

// TaskRequest asks a coordinator to decompose and run a collaborative task.
type TaskRequest struct {
	Description string `json:"description"`
	RequesterID string `json:"requesterId"`
	RequestID   string `json:"requestId,omitempty"`
	// Plan names a configured plan to run instead of decomposing.
	Plan string `json:"plan,omitempty"`
}

func (TaskRequest) Type() Type { return TypeTaskRequest }

func (r TaskRequest) Validate() error {
	if r.Description == "" {
		return errors.New("task_request: description is required")
	}
	if r.RequesterID == "" {
		return errors.New("task_request: requesterId is required")
	}
	return nil
}

// TaskAck answers a TaskRequest. Error is set when Status is AckRejected.
type TaskAck struct {
	TaskID        string `json:"taskId,omitempty"`
	Status        string `json:"status"`
	CoordinatorID string `json:"coordinatorId"`
	RequestID     string `json:"requestId,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (TaskAck) Type() Type { return TypeTaskAck }

func (a TaskAck) Validate() error {
	switch a.Status {
	case AckAccepted:
		if a.TaskID == "" {
			return errors.New("task_ack: accepted ack without taskId")
		}
	case AckRejected:
	default:
		return fmt.Errorf("task_ack: invalid status %q", a.Status)
	}
	return nil
}

// SubtaskAssignment hands one subtask to a worker.
type SubtaskAssignment struct {
	TaskID          string   `json:"taskId"`
	SubtaskID       string   `json:"subtaskId"`
	Description     string   `json:"description"`
	SuccessCriteria string   `json:"successCriteria,omitempty"`
	Dependencies    []string `json:"dependencies"`
}

func (SubtaskAssignment) Type() Type { return TypeSubtaskAssignment }

func (a SubtaskAssignment) Validate() error {
	if a.TaskID == "" || a.SubtaskID == "" {
		return errors.New("subtask_assignment: taskId and subtaskId are required")
	}
	return nil
}

// SubtaskResult reports a terminal outcome for an assigned subtask.
type SubtaskResult struct {
	TaskID    string `json:"taskId"`
	SubtaskID string `json:"subtaskId"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (SubtaskResult) Type() Type { return TypeSubtaskResult }

func (r SubtaskResult) Validate() error {
	if r.TaskID == "" || r.SubtaskID == "" {
		return errors.New("subtask_result: taskId and subtaskId are required")
	}
	if r.Status != StatusCompleted && r.Status != StatusFailed {
		return fmt.Errorf("subtask_result: invalid status %q", r.Status)
	}
	return nil
}

// TaskStatusUpdate carries progress for a task or one of its subtasks.
type TaskStatusUpdate struct {
	TaskID    string `json:"taskId"`
	SubtaskID string `json:"subtaskId,omitempty"`
	NewStatus string `json:"newStatus"`
	Details   string `json:"details,omitempty"`
}

func (TaskStatusUpdate) Type() Type { return TypeTaskStatusUpdate }

func (u TaskStatusUpdate) Validate() error {
	if u.TaskID == "" || u.NewStatus == "" {
		return errors.New("task_status_update: taskId and newStatus are required")
	}
	return nil
}

// TaskCompleted is the final aggregate sent to the requester.
type TaskCompleted struct {
	TaskID         string            `json:"taskId"`
	Status         string            `json:"status"`
	Results        map[string]string `json:"results"`
	Errors         map[string]string `json:"errors,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	ElapsedSeconds float64           `json:"elapsedSeconds"`
}

func (TaskCompleted) Type() Type { return TypeTaskCompleted }

func (c TaskCompleted) Validate() error {
	if c.TaskID == "" || c.Status == "" {
		return errors.New("task_completed: taskId and status are required")
	}
	return nil
}

// AgentControl pauses, resumes or cancels local worker tasks on the recipient.
type AgentControl struct {
	Action       string `json:"action"`
	WorkerTaskID string `json:"workerTaskId,omitempty"`
}

func (AgentControl) Type() Type { return TypeAgentControl }

func (c AgentControl) Validate() error {
	switch c.Action {
	case ControlPause, ControlResume:
		return nil
	case ControlCancel:
		if c.WorkerTaskID == "" {
			return errors.New("agent_control: cancel requires workerTaskId")
		}
		return nil
	}
	return fmt.Errorf("agent_control: invalid action %q", c.Action)
}
