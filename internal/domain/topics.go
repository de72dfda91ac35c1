package domain

import "github.com/nkkko/agentdesk/pkg/proto"

// Topic key prefixes the backend knows how to decode
const (
	TopicPauseRequests = "pause-requests:"
	TopicChat          = "chat:"
	TopicSystemAlerts  = "system-alerts:"
)

// PauseRequestTopic carries the live pause request of one agent
func PauseRequestTopic(agent proto.AgentRef) string {
	return TopicPauseRequests + agent.AccountId + ":" + agent.AgentId
}

// ChatTopic carries the messages of one chat thread
func ChatTopic(threadID string) string {
	return TopicChat + threadID
}

// SystemAlertTopic carries operational alerts for an account
func SystemAlertTopic(accountID string) string {
	return TopicSystemAlerts + accountID
}
