package interpreter

// Action selects what a work unit does with its execution.
type Action string

const (
	// ActionContinue runs the behavior of the element the execution sits on.
	ActionContinue Action = "CONTINUE"
	// ActionTrigger fires an event subscription.
	ActionTrigger Action = "TRIGGER"
	// ActionResumeFromTimer fires a due timer subscription. It is a trigger
	// with a timer source; the timer poller emits it.
	ActionResumeFromTimer Action = "RESUME_FROM_TIMER"
	// ActionCompleteTask completes a user task with its result variables.
	ActionCompleteTask Action = "COMPLETE_TASK"
	// ActionCompensate replays registered compensation handlers.
	ActionCompensate Action = "COMPENSATE"
	// ActionCancel cancels the whole process instance.
	ActionCancel Action = "CANCEL"
)

// WorkItem is one unit of interpreter work. Every unit runs in a single
// store transaction; the fields beyond ProcessInstanceID and Action apply
// per action and are zero otherwise.
type WorkItem struct {
	ProcessInstanceID string
	Action            Action

	// ExecutionID targets the execution to continue.
	ExecutionID string
	// SubscriptionID is the fired subscription of a trigger.
	SubscriptionID string
	// TaskID is the user task to complete.
	TaskID string
	// Variables carry task results or event payloads to merge into the
	// receiving scope.
	Variables map[string]any
	// ActivityID narrows a compensation replay to one activity.
	ActivityID string
	// Reason is the cancellation reason.
	Reason string
	// Failure and FailureCode report an asynchronous handler failure back
	// into the engine.
	Failure     string
	FailureCode string
}
