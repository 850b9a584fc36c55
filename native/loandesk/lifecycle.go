package loandesk

import (
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

const (
	eventDeny        = "deny"
	eventCancel      = "cancel"
	eventDraft       = "draft"
	eventUpdate      = "update"
	eventLock        = "lock"
	eventOffer       = "offer"
	eventCancelOffer = "cancelOffer"
	eventBorrow      = "borrow"
)

var lifecycleEvents = fsm.Events{
	{Name: eventDeny, Src: []string{StatusApplied.String()}, Dst: StatusDenied.String()},
	{Name: eventCancel, Src: []string{StatusApplied.String()}, Dst: StatusCancelled.String()},
	{Name: eventDraft, Src: []string{StatusApplied.String()}, Dst: StatusOfferDrafted.String()},
	{Name: eventUpdate, Src: []string{StatusOfferDrafted.String()}, Dst: StatusOfferDrafted.String()},
	{Name: eventLock, Src: []string{StatusOfferDrafted.String()}, Dst: StatusOfferDraftLocked.String()},
	{Name: eventOffer, Src: []string{StatusOfferDraftLocked.String()}, Dst: StatusOfferMade.String()},
	{Name: eventBorrow, Src: []string{StatusOfferMade.String()}, Dst: StatusOfferAccepted.String()},
	{
		Name: eventCancelOffer,
		Src: []string{
			StatusOfferDrafted.String(),
			StatusOfferDraftLocked.String(),
			StatusOfferMade.String(),
		},
		Dst: StatusOfferCancelled.String(),
	},
}

// transition applies event to the application's status through the
// lifecycle machine. The application is left untouched on failure.
func transition(app *Application, event string) error {
	machine := fsm.NewFSM(app.Status.String(), lifecycleEvents, fsm.Callbacks{})
	if !machine.Can(event) {
		return fmt.Errorf("%w: cannot %s application %d in state %s", errInvalidTransition, event, app.ID, app.Status)
	}
	if err := machine.Event(event); err != nil {
		var unchanged fsm.NoTransitionError
		if !errors.As(err, &unchanged) {
			return fmt.Errorf("%w: %v", errInvalidTransition, err)
		}
	}
	next, ok := ParseApplicationStatus(machine.Current())
	if !ok {
		return fmt.Errorf("%w: unknown state %q", errInvalidTransition, machine.Current())
	}
	app.Status = next
	return nil
}
