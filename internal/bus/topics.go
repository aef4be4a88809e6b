package bus

import "strings"

// Worker queue topics.
const (
	TopicWorkerTask          = "worker.task."
	TopicWorkerTaskQueued    = "worker.task.queued"
	TopicWorkerTaskStarted   = "worker.task.started"
	TopicWorkerTaskPaused    = "worker.task.paused"
	TopicWorkerTaskCompleted = "worker.task.completed"
	TopicWorkerTaskFailed    = "worker.task.failed"
	TopicWorkerTaskCanceled  = "worker.task.canceled"
)

// Coordinator topics.
const (
	TopicGraphSubtaskUpdated = "graph.subtask.updated"
	TopicGraphFinished       = "graph.finished"
)

// Transport and control topics.
const (
	// TopicAgentMessage prefixes per-recipient message topics; see AgentMessageTopic.
	TopicAgentMessage = "agent.message."
	// TopicMailboxPosted prefixes wake-up hints for polling agents sharing a store.
	TopicMailboxPosted = "mailbox.posted."
	TopicAgentAlert   = "agent.alert"
	TopicConfigReload = "config.reloaded"
)

// AgentMessageTopic is the topic carrying messages addressed to agentID.
func AgentMessageTopic(agentID string) string {
	return TopicAgentMessage + agentID
}

// MailboxPostedTopic is the wake-up topic for agentID's durable mailbox.
func MailboxPostedTopic(agentID string) string {
	return TopicMailboxPosted + agentID
}

// WorkerTaskTopic maps a worker task status to its topic.
func WorkerTaskTopic(status string) string {
	switch strings.ToUpper(status) {
	case "PENDING":
		return TopicWorkerTaskQueued
	case "RUNNING":
		return TopicWorkerTaskStarted
	case "PAUSED":
		return TopicWorkerTaskPaused
	case "COMPLETED":
		return TopicWorkerTaskCompleted
	case "FAILED":
		return TopicWorkerTaskFailed
	case "CANCELED":
		return TopicWorkerTaskCanceled
	}
	return TopicWorkerTask + strings.ToLower(status)
}

// WorkerTaskEvent is published on every worker queue transition.
type WorkerTaskEvent struct {
	AgentID   string
	TaskID    string
	OldStatus string // empty on enqueue
	NewStatus string
	GraphTask string // coordinator task id, when the work came from an assignment
	Subtask   string
}

// GraphSubtaskEvent is published when the coordinator moves a subtask.
type GraphSubtaskEvent struct {
	TaskID    string
	SubtaskID string
	AgentID   string
	NewStatus string
}

// GraphFinishedEvent is published once per task when its graph turns terminal.
type GraphFinishedEvent struct {
	TaskID         string
	RequesterID    string
	Status         string
	ElapsedSeconds float64
}

// AgentAlert is published when an agent needs to alert operators.
type AgentAlert struct {
	AgentID  string
	TaskID   string
	Severity string // "info", "warning", or "error"
	Message  string
}
