// Package flow implements the ticket intake conversation flow.
//
// The flow is a three-step state machine per conversation: pick a
// project, describe the issue, assign a priority. Transition is a pure
// function from (session, interaction) to (next session, effects); the
// Engine applies it under the session store's per-conversation critical
// section and then executes the effects.
package flow

import (
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// ResetCommand restarts the flow from scratch, discarding any session.
// Matching is case-insensitive and accepts a leading slash.
const ResetCommand = "reset"

// EffectKind discriminates the side effects a transition requests.
type EffectKind string

const (
	// EffectSendText sends a plain text message to the conversation.
	EffectSendText EffectKind = "send_text"
	// EffectSendChoicePrompt sends a prompt with selectable options.
	EffectSendChoicePrompt EffectKind = "send_choice_prompt"
	// EffectCommitTicket persists the completed ticket and runs the
	// external mirror sequence.
	EffectCommitTicket EffectKind = "commit_ticket"
)

// Effect is one side effect requested by a transition. Body and Options
// are set for send effects; Draft is set for the commit effect.
type Effect struct {
	Kind    EffectKind
	Body    string
	Options []string
	Draft   *models.Ticket
}

func textEffect(body string) Effect {
	return Effect{Kind: EffectSendText, Body: body}
}

func choiceEffect(body string, options []string) Effect {
	return Effect{Kind: EffectSendChoicePrompt, Body: body, Options: options}
}

// IsResetCommand reports whether the payload is the flow reset command.
func IsResetCommand(payload string) bool {
	trimmed := strings.TrimPrefix(strings.TrimSpace(payload), "/")
	return strings.EqualFold(trimmed, ResetCommand)
}

// Transition computes the next session and the effects to execute for
// one interaction. A nil current session (absent or expired) starts the
// flow from the beginning. Returning a nil next session deletes the
// record; rejected input returns the current session unchanged, which
// still refreshes its TTL on write-back.
func Transition(current *models.Session, in models.Interaction, projects []string, minDescription int) (*models.Session, []Effect) {
	if minDescription <= 0 {
		minDescription = models.MinDescriptionLength
	}

	if current == nil || current.State == models.StateNone {
		next := models.NewSession(in.ConversationID, models.StateAwaitingProject, 0)
		return next, []Effect{choiceEffect(projectPrompt(), projects)}
	}

	switch current.State {
	case models.StateAwaitingProject:
		project, ok := matchProject(in.Payload, projects)
		if !ok {
			return current, []Effect{choiceEffect(projectRejectedPrompt(), projects)}
		}
		current.SetField(models.DataKeyProject, project)
		current.State = models.StateAwaitingDescription
		return current, []Effect{textEffect(descriptionPrompt(project))}

	case models.StateAwaitingDescription:
		description := strings.TrimSpace(in.Payload)
		if utf8.RuneCountInString(description) < minDescription {
			return current, []Effect{textEffect(descriptionRejectedPrompt(minDescription))}
		}
		current.SetField(models.DataKeyDescription, description)
		current.State = models.StateAwaitingPriority
		return current, []Effect{choiceEffect(priorityPrompt(), priorityLabels())}

	case models.StateAwaitingPriority:
		priority, ok := models.ParsePriority(in.Payload)
		if !ok {
			return current, []Effect{choiceEffect(priorityRejectedPrompt(), priorityLabels())}
		}
		draft := &models.Ticket{
			Project:        current.Field(models.DataKeyProject),
			Reporter:       reporterName(in),
			Description:    current.Field(models.DataKeyDescription),
			Priority:       priority,
			ConversationID: in.ConversationID,
		}
		// The session is deleted inside the same critical section that
		// observed the final answer, so a concurrent duplicate delivery
		// restarts the flow instead of committing a second ticket.
		return nil, []Effect{{Kind: EffectCommitTicket, Draft: draft}}
	}

	// Unknown state in the record, start over.
	next := models.NewSession(in.ConversationID, models.StateAwaitingProject, 0)
	return next, []Effect{choiceEffect(projectPrompt(), projects)}
}

// matchProject resolves free-form input to a canonical project name,
// case-insensitively.
func matchProject(input string, projects []string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	for _, p := range projects {
		if strings.EqualFold(trimmed, p) {
			return p, true
		}
	}
	return "", false
}

// reporterName returns the interaction's display name with a fallback
// for gateways that do not supply one.
func reporterName(in models.Interaction) string {
	if in.DisplayName == "" {
		return models.DefaultDisplayName
	}
	return in.DisplayName
}

// priorityLabels returns the selectable priority options as strings.
func priorityLabels() []string {
	priorities := models.Priorities()
	labels := make([]string, 0, len(priorities))
	for _, p := range priorities {
		labels = append(labels, string(p))
	}
	return labels
}
