// Package order carries the order approval process used by the flowdemo
// command. The flow scores the order, routes large amounts through a human
// review with a timer escalation, and fulfills approved orders inside a
// transaction whose charge is compensated by a refund if the transaction
// cancels.
package order

import (
	"fmt"

	"goa.design/flow/runtime/process/definition"
)

// Service task implementation keys. The demo binds handlers for these
// before deploying the definition.
const (
	HandlerCharge = "billing.charge"
	HandlerRefund = "billing.refund"
	HandlerShip   = "shipping.dispatch"
)

// ReviewThreshold is the order amount above which a human reviews the
// order.
const ReviewThreshold = 1000

// Definition builds the order approval process. Reviewer and supervisor
// are the assignees of the review task and its escalation.
func Definition(reviewer, supervisor string) (*definition.Definition, error) {
	return definition.NewBuilder("order-approval").
		Named("Order approval").
		StartEvent("received").
		ScriptTask("score", "amount * 0.01", "risk").
		ExclusiveGateway("route").
		UserTask("review", definition.Name("Review order"), definition.Assignee(reviewer)).
		BoundaryEvent("review-deadline", "review",
			definition.Timer(definition.TimerDefinition{Duration: "PT72H"})).
		UserTask("escalate", definition.Name("Escalated review"), definition.Assignee(supervisor)).
		ScriptTask("auto-approve", "true", "approved").
		ExclusiveGateway("decision").
		Transaction("fulfill", func(b *definition.Builder) {
			b.StartEvent("fulfill-start").
				ServiceTask("charge", HandlerCharge).
				ServiceTask("refund", HandlerRefund, definition.ForCompensation()).
				BoundaryEvent("refund-charge", "charge", definition.CompensationHandler("refund")).
				ServiceTask("ship", HandlerShip).
				EndEvent("fulfilled").
				Flow("fulfill-start", "charge").
				Flow("charge", "ship").
				Flow("ship", "fulfilled")
		}).
		EndEvent("done").
		EndEvent("declined").
		Flow("received", "score").
		Flow("score", "route").
		Flow("route", "review", fmt.Sprintf("amount >= %d", ReviewThreshold)).
		DefaultFlow("route", "auto-approve").
		Flow("review-deadline", "escalate").
		Flow("review", "decision").
		Flow("escalate", "decision").
		Flow("auto-approve", "decision").
		Flow("decision", "fulfill", "approved == true").
		DefaultFlow("decision", "declined").
		Flow("fulfill", "done").
		Build()
}
