package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/co5dt/pqueue/app/enums"
	"github.com/co5dt/pqueue/app/persistence"
	"github.com/co5dt/pqueue/app/queue"
)

// exportVersion is the current version of the export document
const exportVersion = 1

// ExportDoc is a portable list of pending jobs
type ExportDoc struct {
	Version    int         `json:"version" yaml:"version" jsonschema:"required,enum=1,description=document format version"`
	ExportedAt string      `json:"exported_at,omitempty" yaml:"exported_at,omitempty" jsonschema:"format=date-time"`
	Jobs       []ExportJob `json:"jobs" yaml:"jobs" jsonschema:"required"`
}

// ExportJob is a single pending job in ExportDoc
type ExportJob struct {
	PromptID string         `json:"prompt_id" yaml:"prompt_id" jsonschema:"required,minLength=1"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty" jsonschema:"description=display name"`
	Priority int            `json:"priority" yaml:"priority" jsonschema:"description=higher runs earlier"`
	Workflow map[string]any `json:"workflow" yaml:"workflow" jsonschema:"required,description=job description"`
}

// ImportResult counts what happened to imported jobs
type ImportResult struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// ExportSchema returns the json schema of ExportDoc
func ExportSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&ExportDoc{})
}

// Export returns all pending jobs in durable scheduling order
func (m *Manager) Export(ctx context.Context) (ExportDoc, error) {
	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return ExportDoc{}, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	res := ExportDoc{Version: exportVersion, ExportedAt: time.Now().UTC().Format(time.RFC3339), Jobs: []ExportJob{}}
	for _, e := range pending {
		var wf map[string]any
		if err := json.Unmarshal([]byte(e.Workflow), &wf); err != nil {
			log.Printf("[WARN] skip export of %s, workflow is not an object: %v", e.PromptID, err)
			continue
		}
		res.Jobs = append(res.Jobs, ExportJob{PromptID: e.PromptID, Name: e.Name(), Priority: e.Priority, Workflow: wf})
	}
	return res, nil
}

// DecodeExport parses an export document, yaml if asYAML is set, json otherwise
func DecodeExport(data []byte, asYAML bool) (ExportDoc, error) {
	var doc ExportDoc
	if asYAML {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return ExportDoc{}, fmt.Errorf("failed to parse yaml: %w", err)
		}
	} else if err := json.Unmarshal(data, &doc); err != nil {
		return ExportDoc{}, fmt.Errorf("failed to parse json: %w", err)
	}
	if doc.Version != exportVersion {
		return ExportDoc{}, fmt.Errorf("unsupported export version %d", doc.Version)
	}
	for i, j := range doc.Jobs {
		if strings.TrimSpace(j.PromptID) == "" {
			return ExportDoc{}, fmt.Errorf("job %d: prompt_id is required", i+1)
		}
		if j.Workflow == nil {
			return ExportDoc{}, fmt.Errorf("job %d: workflow is required", i+1)
		}
	}
	return doc, nil
}

// EncodeExport renders the document as yaml if asYAML is set, json otherwise
func EncodeExport(doc ExportDoc, asYAML bool) ([]byte, error) {
	if asYAML {
		return yaml.Marshal(doc)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Import submits jobs of the document as pending. Known prompt ids are ignored, invalid jobs are stored
// as failed, valid ones are queued and the mirror is reordered by priority.
func (m *Manager) Import(ctx context.Context, doc ExportDoc) (ImportResult, error) {
	var res ImportResult
	for _, j := range doc.Jobs {
		raw, err := json.Marshal(j.Workflow)
		if err != nil {
			return res, fmt.Errorf("failed to encode workflow of %s: %w", j.PromptID, err)
		}
		workflow := string(raw)
		if j.Name != "" {
			if workflow, err = persistence.SetWorkflowName(workflow, j.Name); err != nil {
				return res, fmt.Errorf("failed to name %s: %w", j.PromptID, err)
			}
		}

		inserted, err := m.store.Submit(ctx, j.PromptID, workflow, j.Priority)
		if err != nil {
			return res, fmt.Errorf("failed to import %s: %w", j.PromptID, err)
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		m.metrics.Submitted()

		plan, verr := m.engine.Validate(j.PromptID, json.RawMessage(workflow))
		if verr != nil {
			res.Invalid++
			if err := m.store.SetStatus(ctx, j.PromptID, enums.JobStatusFailed, verr.Error()); err != nil {
				return res, fmt.Errorf("failed to mark %s failed: %w", j.PromptID, err)
			}
			continue
		}
		m.engine.Enqueue(queue.Item{PromptID: j.PromptID, Workflow: json.RawMessage(workflow), Extra: map[string]any{},
			Plan: plan})
		res.Added++
	}
	if res.Added > 0 {
		m.applyPriorities(ctx)
	}
	log.Printf("[INFO] imported %d jobs, %d duplicates, %d invalid", res.Added, res.Duplicates, res.Invalid)
	m.updateGauges()
	return res, nil
}
