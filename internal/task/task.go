// Package task defines the asynchronous work envelope passed from the
// API front end to the workers over NSQ, and the backoff schedule the
// workers retry it on.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task names. The worker dispatches on these.
const (
	NameUpdateUser        = "update_user"
	NameConfirmUser       = "confirm_user"
	NameSendMessage       = "send_message"
	NameSendRecovery      = "send_recovery_message"
	NameAddSMSUser        = "add_sms_user"
	NameRecordUnsubReason = "record_unsub_reason"
)

// Task is the wire envelope. Payload is the task-specific document;
// Attempt counts deliveries already failed, so the first run sees 0.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Payload    json.RawMessage   `json:"payload"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Trace      map[string]string `json:"trace,omitempty"`
}

// New wraps payload in a fresh envelope for the named task.
func New(name string, payload any) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	return &Task{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals a task envelope off the wire.
func Decode(body []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, fmt.Errorf("decoding task envelope: %w", err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("task envelope has no name")
	}
	return &t, nil
}

// Encode serializes the envelope for publishing.
func (t *Task) Encode() ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding task %s: %w", t.Name, err)
	}
	return body, nil
}

// UpdateUserPayload carries one subscription update request.
type UpdateUserPayload struct {
	Email          string   `json:"email,omitempty"`
	Token          string   `json:"token,omitempty"`
	APILang        string   `json:"lang,omitempty"`
	Format         string   `json:"format,omitempty"`
	Country        string   `json:"country,omitempty"`
	SourceURL      string   `json:"source_url,omitempty"`
	Newsletters    []string `json:"newsletters"`
	OptIn          bool     `json:"optin"` // trusted caller asserted consent
	Mode           string   `json:"mode"`  // SUBSCRIBE, UNSUBSCRIBE or SET
	TriggerWelcome bool     `json:"trigger_welcome,omitempty"`
}

// ConfirmUserPayload asks the worker to confirm a pending subscriber.
type ConfirmUserPayload struct {
	Token string `json:"token"`
}

// SendMessagePayload schedules one triggered message.
type SendMessagePayload struct {
	MessageID string `json:"message_id"`
	Email     string `json:"email"`
	Token     string `json:"token"`
	Format    string `json:"format"`
}

// SendRecoveryPayload asks for a recovery message to a bare address.
type SendRecoveryPayload struct {
	Email string `json:"email"`
}

// AddSMSUserPayload subscribes a mobile number to an SMS message.
type AddSMSUserPayload struct {
	MessageName string `json:"message_name"`
	Mobile      string `json:"mobile"`
	OptIn       bool   `json:"optin,omitempty"`
}

// UnsubReasonPayload records why a subscriber left.
type UnsubReasonPayload struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

// Backoff computes the delay before the given retry. attempt counts
// completed failures, so attempt 0 waits one base unit and each retry
// doubles it.
func Backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base << uint(attempt)
}
