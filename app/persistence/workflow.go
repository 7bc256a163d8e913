package persistence

import (
	"encoding/json"
	"fmt"
)

// WorkflowName returns the human-readable name embedded in a workflow. The name lives in workflow.name
// when the workflow carries a nested "workflow" object, otherwise in the top-level "name" field.
func WorkflowName(workflow string) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(workflow), &top); err != nil {
		return ""
	}
	if nested, ok := nestedWorkflow(top); ok {
		return stringField(nested, "name")
	}
	return stringField(top, "name")
}

// SetWorkflowName returns workflow with its display name replaced, the location follows WorkflowName rules
func SetWorkflowName(workflow, name string) (string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(workflow), &top); err != nil {
		return "", fmt.Errorf("workflow is not a json object: %w", err)
	}
	if top == nil {
		top = map[string]json.RawMessage{}
	}

	encName, err := json.Marshal(name)
	if err != nil {
		return "", fmt.Errorf("failed to encode name: %w", err)
	}

	if nested, ok := nestedWorkflow(top); ok {
		nested["name"] = encName
		encNested, err := json.Marshal(nested)
		if err != nil {
			return "", fmt.Errorf("failed to encode nested workflow: %w", err)
		}
		top["workflow"] = encNested
	} else {
		top["name"] = encName
	}

	res, err := json.Marshal(top)
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}
	return string(res), nil
}

func nestedWorkflow(top map[string]json.RawMessage) (map[string]json.RawMessage, bool) {
	raw, ok := top["workflow"]
	if !ok {
		return nil, false
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(raw, &nested); err != nil || nested == nil {
		return nil, false
	}
	return nested, true
}

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
