package notebook

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

var actionRegistry = map[ActionName]func() Action{
	ActionClearOutputs:   func() Action { return &ClearOutputs{} },
	ActionExecuteCells:   func() Action { return &ExecuteCells{} },
	ActionUpdateMetadata: func() Action { return &UpdateMetadata{} },
	ActionUpdateCell:     func() Action { return &UpdateCell{} },
	ActionClearOutput:    func() Action { return &ClearOutput{} },
	ActionExecuteCell:    func() Action { return &ExecuteCell{} },
	ActionAddCell:        func() Action { return &AddCell{} },
	ActionDeleteCell:     func() Action { return &DeleteCell{} },
	ActionMoveCell:       func() Action { return &MoveCell{} },
}

// DecodeAction parses a JSON action tagged by its "name" field.
// Malformed input and unknown names are reported as *ValidationError.
func DecodeAction(data []byte) (Action, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed action: %v", err)}
	}
	return DecodeActionMap(raw)
}

// DecodeActionMap decodes an action that was already unmarshalled into a generic map.
func DecodeActionMap(raw map[string]any) (Action, error) {
	if raw == nil {
		return nil, &ValidationError{Reason: "action must be an object"}
	}
	name, ok := raw["name"].(string)
	if !ok || name == "" {
		return nil, required("name")
	}
	factory, ok := actionRegistry[ActionName(name)]
	if !ok {
		return nil, &ValidationError{Field: "name", Reason: "unknown action", Value: name}
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != "name" {
			fields[k] = v
		}
	}

	action := factory()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  action,
		Squash:  true,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("action decoder: %w", err)
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("malformed action: %v", err)}
	}
	return action, nil
}
