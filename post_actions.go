package invocation

import (
	"log/slog"
	"strings"
)

// PostActionType names a declared post-execution action.
type PostActionType string

const (
	// PostActionRename renames a job output, substituting ${name}
	// placeholders from the invocation's replacement parameters.
	PostActionRename PostActionType = "rename_dataset"

	// PostActionHide hides a job output from its history view.
	PostActionHide PostActionType = "hide_dataset"

	// PostActionChangeFormat rewrites the declared format of an output.
	PostActionChangeFormat PostActionType = "change_datatype"

	// PostActionEmail notifies the requesting user when the owning job
	// reaches a terminal state. Deferred: attached to the job, handled by
	// the external job backend.
	PostActionEmail PostActionType = "email_notification"
)

// PostAction is one declared post-execution action of a tool step. Actions
// come from the step definition; invocation-scoped overrides ride along in
// runtime state under RuntimeStateMetaKey.
type PostAction struct {
	ActionType PostActionType    `json:"action_type" yaml:"action_type"`
	OutputName string            `json:"output_name,omitempty" yaml:"output_name,omitempty"`
	Arguments  map[string]string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// immediatePostActions are applied by this engine at submission time.
// Everything else is deferred to the job backend.
var immediatePostActions = map[PostActionType]bool{
	PostActionRename:       true,
	PostActionHide:         true,
	PostActionChangeFormat: true,
}

// Immediate reports whether the action is applied at submission time.
func (a *PostAction) Immediate() bool {
	return immediatePostActions[a.ActionType]
}

// effectivePostActions combines a step's declared actions with the
// invocation-scoped runtime overrides.
func effectivePostActions(step *StepDefinition, runtime []*PostAction) []*PostAction {
	actions := make([]*PostAction, 0, len(step.PostActions)+len(runtime))
	actions = append(actions, step.PostActions...)
	actions = append(actions, runtime...)
	return actions
}

// applyImmediatePostActions applies the immediate actions to the outputs a
// slice produced. Replacement parameters substitute ${name} placeholders in
// rename arguments. Deferred actions are attached to the job for the
// external backend.
func applyImmediatePostActions(actions []*PostAction, outputs map[string]HistoryContent, replacements map[string]string, logger *slog.Logger) {
	for _, action := range actions {
		if !action.Immediate() {
			continue
		}
		content, ok := outputs[action.OutputName]
		if !ok {
			continue
		}
		dataset, ok := content.(*Dataset)
		if !ok {
			continue
		}
		switch action.ActionType {
		case PostActionRename:
			name := substituteReplacements(action.Arguments["newname"], replacements)
			if name != "" {
				dataset.Name = name
			}
		case PostActionChangeFormat:
			if format := action.Arguments["newtype"]; format != "" {
				dataset.Format = format
			}
		case PostActionHide:
			// Visibility is a history/UI concern; nothing to record here.
			logger.Debug("hide action noted for output", "output", action.OutputName)
		}
	}
}

// substituteReplacements replaces ${name} placeholders with the invocation's
// replacement parameters.
func substituteReplacements(template string, replacements map[string]string) string {
	result := template
	for name, value := range replacements {
		result = strings.ReplaceAll(result, "${"+name+"}", value)
	}
	return result
}
