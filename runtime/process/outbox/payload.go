package outbox

import "encoding/json"

// Payload shapes for the lifecycle event types. The interpreter marshals
// these into Event.Payload; consumers such as the history projector decode
// the subset they need.
type (
	// InstancePayload accompanies the PROCESS_INSTANCE_* types.
	InstancePayload struct {
		DefinitionID  string `json:"definitionId"`
		DefinitionKey string `json:"definitionKey"`
		Version       int    `json:"version"`
		BusinessKey   string `json:"businessKey,omitempty"`
		TenantID      string `json:"tenantId,omitempty"`
		// State is the instance state after the transition.
		State string `json:"state"`
		// Reason carries the cancellation reason when one was given.
		Reason string `json:"reason,omitempty"`
	}

	// ActivityPayload accompanies the ACTIVITY_* types.
	ActivityPayload struct {
		ElementID   string `json:"elementId"`
		ElementKind string `json:"elementKind"`
		Name        string `json:"name,omitempty"`
	}

	// TaskPayload accompanies the TASK_* types.
	TaskPayload struct {
		ElementID string `json:"elementId"`
		Name      string `json:"name,omitempty"`
		Assignee  string `json:"assignee,omitempty"`
	}

	// VariablePayload accompanies VARIABLE_SET.
	VariablePayload struct {
		ScopeID string          `json:"scopeId"`
		Name    string          `json:"name"`
		Type    string          `json:"type"`
		Value   json.RawMessage `json:"value,omitempty"`
	}

	// TriggerPayload accompanies SIGNAL_RECEIVED, MESSAGE_RECEIVED and
	// TIMER_FIRED.
	TriggerPayload struct {
		Name           string          `json:"name,omitempty"`
		CorrelationKey string          `json:"correlationKey,omitempty"`
		Variables      json.RawMessage `json:"variables,omitempty"`
	}

	// ErrorPayload accompanies ERROR_THROWN.
	ErrorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message,omitempty"`
		// Caught reports whether a catch handler consumed the error.
		Caught bool `json:"caught"`
	}

	// IncidentPayload accompanies INCIDENT_RAISED and INCIDENT_RESOLVED.
	IncidentPayload struct {
		IncidentID string `json:"incidentId"`
		Code       string `json:"code,omitempty"`
		Message    string `json:"message,omitempty"`
	}

	// CompensationPayload accompanies the COMPENSATION_* types.
	CompensationPayload struct {
		TransactionElementID string `json:"transactionElementId,omitempty"`
		// ActivityID is the compensated activity, empty for a full replay.
		ActivityID string `json:"activityId,omitempty"`
		// Handlers is how many handlers ran.
		Handlers int `json:"handlers,omitempty"`
	}

	// TransactionPayload accompanies TRANSACTION_COMPLETED and
	// TRANSACTION_CANCELLED.
	TransactionPayload struct {
		ElementID string `json:"elementId"`
	}
)
