// Package queue implements the filesystem-backed message queue: atomic
// rename claims from incoming to processing, requeue-on-failure under unique
// names, crash recovery with outbound dedup, and the inbound/outbound file
// tag protocol. The only cross-process coordination primitive is rename.
package queue

import (
	"fmt"
	"regexp"
	"strings"
)

// IncomingMessage is the queue payload written by channel adapters. It is
// created once, never mutated in place, and destroyed by deleting the
// processing-directory file after successful handling.
type IncomingMessage struct {
	Channel          string   `json:"channel"`
	ChannelProfileID string   `json:"channel_profile_id,omitempty"`
	SenderName       string   `json:"sender_name,omitempty"`
	SenderID         string   `json:"sender_id,omitempty"`
	Message          string   `json:"message"`
	Timestamp        int64    `json:"timestamp"`
	MessageID        string   `json:"message_id"`
	ConversationID   string   `json:"conversation_id,omitempty"`
	IsDirect         bool     `json:"is_direct,omitempty"`
	IsThreadReply    bool     `json:"is_thread_reply,omitempty"`
	IsMentioned      bool     `json:"is_mentioned,omitempty"`
	WorkflowRunID    string   `json:"workflow_run_id,omitempty"`
	WorkflowStepID   string   `json:"workflow_step_id,omitempty"`
	Files            []string `json:"files,omitempty"`
}

// TargetRef describes the channel-specific delivery target of an outgoing
// message (for Slack: channel id and thread ts).
type TargetRef map[string]string

// OutgoingMessage mirrors the incoming message plus delivery metadata. It is
// written once to the outgoing directory and deleted by channel egress after
// successful delivery.
type OutgoingMessage struct {
	Channel          string           `json:"channel"`
	ChannelProfileID string           `json:"channel_profile_id,omitempty"`
	Agent            string           `json:"agent"`
	Message          string           `json:"message"`
	Timestamp        int64            `json:"timestamp"`
	MessageID        string           `json:"message_id"`
	ConversationID   string           `json:"conversation_id,omitempty"`
	OriginalMessage  *IncomingMessage `json:"originalMessage,omitempty"`
	TargetRef        TargetRef        `json:"targetRef,omitempty"`
	Files            []string         `json:"files,omitempty"`
}

// OrderingKey partitions messages that must stay in order.
type OrderingKey string

// DeriveOrderingKey returns the first non-empty of: the bound workflow run,
// the conversation identity, the message id.
func DeriveOrderingKey(m *IncomingMessage) OrderingKey {
	if m.WorkflowRunID != "" {
		return OrderingKey("run:" + m.WorkflowRunID)
	}
	if m.ConversationID != "" {
		return OrderingKey(fmt.Sprintf("conv:%s/%s/%s", m.Channel, m.ChannelProfileID, m.ConversationID))
	}
	return OrderingKey("msg:" + m.MessageID)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_\-\.]`)

// SanitizeFilenameComponent maps any character outside [A-Za-z0-9_-.] to an
// underscore. Applied to every filename component the queue writes.
func SanitizeFilenameComponent(s string) string {
	s = unsafeFilenameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

// OutgoingFileName returns the outgoing queue filename for a message:
// <channel>_<message_id>_<timestamp>.json, except heartbeat messages which
// use <message_id>.json.
func OutgoingFileName(m *OutgoingMessage) string {
	if m.Channel == "heartbeat" {
		return SanitizeFilenameComponent(m.MessageID) + ".json"
	}
	return fmt.Sprintf("%s_%s_%d.json",
		SanitizeFilenameComponent(m.Channel),
		SanitizeFilenameComponent(m.MessageID),
		m.Timestamp)
}

// IncomingFileName returns the incoming queue filename for a message.
func IncomingFileName(m *IncomingMessage) string {
	return fmt.Sprintf("%s_%s_%d.json",
		SanitizeFilenameComponent(m.Channel),
		SanitizeFilenameComponent(m.MessageID),
		m.Timestamp)
}

// isQueuePayload reports whether a directory entry name is a claimable
// payload: *.json with a non-empty stem.
func isQueuePayload(name string) bool {
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	return strings.TrimSuffix(name, ".json") != ""
}
