package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// metadata keys allowed next to nodes, they carry display data and are not executed
var metadataKeys = map[string]bool{"name": true, "workflow": true}

// GraphValidator checks a node-graph workflow: a json object of node id -> {class_type, inputs}.
// Inputs of the form [node_id, slot] must reference an existing node. The plan is the sorted list of
// node ids whose class is one of OutputClasses.
type GraphValidator struct {
	OutputClasses []string
}

type node struct {
	ClassType string                     `json:"class_type"`
	Inputs    map[string]json.RawMessage `json:"inputs"`
}

// Validate implements Validator
func (v GraphValidator) Validate(promptID string, workflow json.RawMessage) ([]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(workflow, &raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: prompt %s is not a json object", ErrInvalidPrompt, promptID)
	}

	outputs := make(map[string]bool, len(v.OutputClasses))
	for _, c := range v.OutputClasses {
		outputs[c] = true
	}

	nodes := make(map[string]node, len(raw))
	for id, body := range raw {
		var n node
		err := json.Unmarshal(body, &n)
		if metadataKeys[id] && (err != nil || n.ClassType == "") {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: node %s is not an object", ErrInvalidPrompt, id)
		}
		if n.ClassType == "" {
			return nil, fmt.Errorf("%w: node %s has no class_type", ErrInvalidPrompt, id)
		}
		nodes[id] = n
	}

	plan := []string{}
	for id, n := range nodes {
		for name, in := range n.Inputs {
			var link []json.RawMessage
			if err := json.Unmarshal(in, &link); err != nil || len(link) != 2 {
				continue // literal value
			}
			var ref string
			if err := json.Unmarshal(link[0], &ref); err != nil {
				continue
			}
			if _, ok := nodes[ref]; !ok {
				return nil, fmt.Errorf("%w: node %s input %q references missing node %s", ErrInvalidPrompt, id, name, ref)
			}
		}
		if outputs[n.ClassType] {
			plan = append(plan, id)
		}
	}

	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: prompt %s has no outputs", ErrInvalidPrompt, promptID)
	}
	sort.Strings(plan)
	return plan, nil
}
