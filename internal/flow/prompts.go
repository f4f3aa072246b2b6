package flow

import (
	"fmt"
	"strings"
)

// Prompt and confirmation texts sent to the conversation. Kept in one
// place so the wording stays consistent across gateway transports.

func projectPrompt() string {
	return "Hi! I can file a bug report for you. Which project is this about?"
}

func projectRejectedPrompt() string {
	return "I don't recognize that project. Please pick one of the options below."
}

func descriptionPrompt(project string) string {
	return fmt.Sprintf("Got it, %s. Please describe the issue in a few sentences.", project)
}

func descriptionRejectedPrompt(minLength int) string {
	return fmt.Sprintf("That description is a bit short. Please use at least %d characters so the team can act on it.", minLength)
}

func priorityPrompt() string {
	return "Thanks. How urgent is this?"
}

func priorityRejectedPrompt() string {
	return "Please pick one of the listed priorities."
}

func resetNotice() string {
	return "Okay, starting over. Your previous answers were discarded."
}

func persistenceFailureMessage() string {
	return "Sorry, something went wrong while saving your report. Please try again in a moment."
}

// confirmationMessage reports the committed ticket to the user. The
// mirror outcome is mentioned only when a mirror was attempted.
func confirmationMessage(ticketID string, mirrored, synced bool) string {
	ref := shortTicketRef(ticketID)
	switch {
	case mirrored && synced:
		return fmt.Sprintf("Your ticket %s has been filed and added to the tracker. Thanks for the report!", ref)
	case mirrored && !synced:
		return fmt.Sprintf("Your ticket %s has been filed. Syncing it to the tracker didn't work right now, but the report is saved.", ref)
	default:
		return fmt.Sprintf("Your ticket %s has been filed. Thanks for the report!", ref)
	}
}

// shortTicketRef shortens a UUID ticket id to its first block for
// user-facing messages.
func shortTicketRef(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return "#" + id[:i]
	}
	return "#" + id
}
