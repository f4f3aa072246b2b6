package flow

import (
	"strings"
	"testing"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

var testProjects = []string{"Codefolio", "Atlas"}

func textInteraction(payload string) models.Interaction {
	return models.Interaction{
		ConversationID: "15551234567",
		DisplayName:    "Dana",
		Kind:           models.InteractionText,
		Payload:        payload,
		MessageID:      "m-" + payload,
	}
}

func requireEffectKinds(t *testing.T, effects []Effect, kinds ...EffectKind) {
	t.Helper()
	if len(effects) != len(kinds) {
		t.Fatalf("got %d effects, want %d: %+v", len(effects), len(kinds), effects)
	}
	for i, kind := range kinds {
		if effects[i].Kind != kind {
			t.Fatalf("effect %d kind = %q, want %q", i, effects[i].Kind, kind)
		}
	}
}

func TestTransitionStartsFlowWithoutSession(t *testing.T) {
	next, effects := Transition(nil, textInteraction("hi"), testProjects, 0)
	if next == nil || next.State != models.StateAwaitingProject {
		t.Fatalf("next session = %+v, want awaiting-project", next)
	}
	requireEffectKinds(t, effects, EffectSendChoicePrompt)
	if len(effects[0].Options) != 2 || effects[0].Options[0] != "Codefolio" {
		t.Errorf("prompt options = %v", effects[0].Options)
	}
}

func TestTransitionProjectSelection(t *testing.T) {
	sess := models.NewSession("15551234567", models.StateAwaitingProject, 0)

	next, effects := Transition(sess, textInteraction("codefolio"), testProjects, 0)
	if next.State != models.StateAwaitingDescription {
		t.Fatalf("state = %q, want awaiting-description", next.State)
	}
	if next.Field(models.DataKeyProject) != "Codefolio" {
		t.Errorf("project field = %q, want canonical name", next.Field(models.DataKeyProject))
	}
	requireEffectKinds(t, effects, EffectSendText)
}

func TestTransitionRejectsUnknownProject(t *testing.T) {
	sess := models.NewSession("15551234567", models.StateAwaitingProject, 0)

	next, effects := Transition(sess, textInteraction("Nonesuch"), testProjects, 0)
	if next.State != models.StateAwaitingProject {
		t.Fatalf("rejected input advanced state to %q", next.State)
	}
	if next.Field(models.DataKeyProject) != "" {
		t.Errorf("rejected input wrote project field %q", next.Field(models.DataKeyProject))
	}
	requireEffectKinds(t, effects, EffectSendChoicePrompt)
}

func TestTransitionDescriptionLengthBoundary(t *testing.T) {
	tests := []struct {
		name        string
		description string
		wantState   models.StateType
	}{
		{"below minimum", strings.Repeat("a", models.MinDescriptionLength-1), models.StateAwaitingDescription},
		{"at minimum", strings.Repeat("a", models.MinDescriptionLength), models.StateAwaitingPriority},
		{"whitespace not counted", "   " + strings.Repeat("a", models.MinDescriptionLength-1) + "   ", models.StateAwaitingDescription},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sess := models.NewSession("15551234567", models.StateAwaitingDescription, 0)
			sess.SetField(models.DataKeyProject, "Codefolio")

			next, _ := Transition(sess, textInteraction(tc.description), testProjects, 0)
			if next.State != tc.wantState {
				t.Errorf("state = %q, want %q", next.State, tc.wantState)
			}
			if next.Field(models.DataKeyProject) != "Codefolio" {
				t.Errorf("project field lost: %q", next.Field(models.DataKeyProject))
			}
		})
	}
}

func TestTransitionDescriptionAccepted(t *testing.T) {
	sess := models.NewSession("15551234567", models.StateAwaitingDescription, 0)
	sess.SetField(models.DataKeyProject, "Codefolio")

	next, effects := Transition(sess, textInteraction("the export page times out"), testProjects, 0)
	if next.State != models.StateAwaitingPriority {
		t.Fatalf("state = %q", next.State)
	}
	if next.Field(models.DataKeyDescription) != "the export page times out" {
		t.Errorf("description field = %q", next.Field(models.DataKeyDescription))
	}
	requireEffectKinds(t, effects, EffectSendChoicePrompt)
	if len(effects[0].Options) != 3 || effects[0].Options[0] != "High" {
		t.Errorf("priority options = %v", effects[0].Options)
	}
}

func TestTransitionRejectsInvalidPriority(t *testing.T) {
	sess := models.NewSession("15551234567", models.StateAwaitingPriority, 0)
	sess.SetField(models.DataKeyProject, "Codefolio")
	sess.SetField(models.DataKeyDescription, "the export page times out")

	next, effects := Transition(sess, textInteraction("3"), testProjects, 0)
	if next == nil || next.State != models.StateAwaitingPriority {
		t.Fatalf("invalid priority changed state: %+v", next)
	}
	if next.Field(models.DataKeyDescription) != "the export page times out" {
		t.Errorf("rejected input erased description field")
	}
	requireEffectKinds(t, effects, EffectSendChoicePrompt)
}

func TestTransitionValidPriorityProducesCommit(t *testing.T) {
	sess := models.NewSession("15551234567", models.StateAwaitingPriority, 0)
	sess.SetField(models.DataKeyProject, "Codefolio")
	sess.SetField(models.DataKeyDescription, "the export page times out")

	next, effects := Transition(sess, textInteraction("high"), testProjects, 0)
	if next != nil {
		t.Fatalf("session should be deleted on commit, got %+v", next)
	}
	requireEffectKinds(t, effects, EffectCommitTicket)

	draft := effects[0].Draft
	if draft == nil {
		t.Fatal("commit effect carries no draft")
	}
	if draft.Project != "Codefolio" || draft.Priority != models.PriorityHigh {
		t.Errorf("draft = %+v", draft)
	}
	if draft.Description != "the export page times out" {
		t.Errorf("draft description = %q", draft.Description)
	}
	if draft.Reporter != "Dana" || draft.ConversationID != "15551234567" {
		t.Errorf("draft attribution = %+v", draft)
	}
}

func TestTransitionAnonymousReporter(t *testing.T) {
	sess := models.NewSession("c1", models.StateAwaitingPriority, 0)
	sess.SetField(models.DataKeyProject, "Atlas")
	sess.SetField(models.DataKeyDescription, "scheduled jobs never fire")

	in := models.Interaction{ConversationID: "c1", Kind: models.InteractionText, Payload: "Low"}
	_, effects := Transition(sess, in, testProjects, 0)
	requireEffectKinds(t, effects, EffectCommitTicket)
	if effects[0].Draft.Reporter != models.DefaultDisplayName {
		t.Errorf("reporter = %q, want default display name", effects[0].Draft.Reporter)
	}
}

func TestIsResetCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{"reset", true},
		{"RESET", true},
		{"/reset", true},
		{"  /Reset  ", true},
		{"reset please", false},
		{"restart", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsResetCommand(tc.payload); got != tc.want {
			t.Errorf("IsResetCommand(%q) = %v, want %v", tc.payload, got, tc.want)
		}
	}
}
