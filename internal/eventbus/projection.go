package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
)

// HarnessFrame is the parsed shape of a raw chunk carrying
// model.HarnessFrameMarker.
type HarnessFrame struct {
	Marker        string                 `json:"marker"`
	SchemaVersion string                 `json:"schemaVersion,omitempty"`
	Status        string                 `json:"status,omitempty"`
	Category      string                 `json:"category,omitempty"`
	Actions       []map[string]any       `json:"actions,omitempty"`
	Artifacts     []string               `json:"artifacts,omitempty"`
	Metrics       map[string]float64     `json:"metrics,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
	Payload       map[string]any         `json:"payload,omitempty"`
}

// ValidationResult reports envelope validation outcome; warnings never block
// acceptance, errors do.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

func (r ValidationResult) OK() bool { return len(r.Errors) == 0 }

var knownTopLevelKeys = map[string]bool{
	"marker": true, "schemaVersion": true, "status": true, "category": true,
	"actions": true, "artifacts": true, "metrics": true, "metadata": true, "payload": true,
}

// ValidateEnvelope applies spec.md 4.3's envelope validation rules to a raw
// harness JSON frame prior to acceptance.
func ValidateEnvelope(raw map[string]any) ValidationResult {
	var res ValidationResult

	status, hasStatus := raw["status"]
	if !hasStatus {
		res.Errors = append(res.Errors, "status is required")
	} else if s, ok := status.(string); !ok || !model.ValidHarnessStatus(strings.ToLower(s)) {
		res.Errors = append(res.Errors, fmt.Sprintf("status %v is not one of succeeded|failed|unknown|cancelled|pending", status))
	}

	if actions, ok := raw["actions"].([]any); ok {
		for i, a := range actions {
			obj, ok := a.(map[string]any)
			if !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("actions[%d] must be an object", i))
				continue
			}
			if t, ok := obj["type"].(string); !ok || t == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("actions[%d].type must be a non-empty string", i))
			}
		}
	}

	if artifacts, ok := raw["artifacts"].([]any); ok {
		for i, a := range artifacts {
			s, ok := a.(string)
			if !ok || s == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("artifacts[%d] must be a non-empty string", i))
			}
		}
	}

	if metrics, ok := raw["metrics"].(map[string]any); ok {
		for k, v := range metrics {
			switch v.(type) {
			case float64, int, int64:
			default:
				res.Errors = append(res.Errors, fmt.Sprintf("metrics.%s must be a number", k))
			}
		}
	}

	if metadata, ok := raw["metadata"].(map[string]any); ok {
		for k, v := range metadata {
			if _, ok := v.(string); !ok {
				res.Errors = append(res.Errors, fmt.Sprintf("metadata.%s must be a string", k))
			}
		}
	}

	for k := range raw {
		if !knownTopLevelKeys[k] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("unknown top-level key %q", k))
		}
	}

	return res
}

// categoryAliases maps a harness frame's own category label to the closed
// set of projected categories; anything unrecognized is a passthrough.
var categoryAliases = map[string]model.EventCategory{
	"reasoning.delta": model.CategoryReasoningDelta,
	"assistant.delta": model.CategoryAssistantDelta,
	"tool.call":       model.CategoryToolCall,
	"tool.result":     model.CategoryToolResult,
	"diff.updated":    model.CategoryDiffUpdated,
	"run.completed":   model.CategoryRunCompleted,
}

const defaultSchemaVersion = "1"

// ProjectHarnessChunk parses a raw chunk and, if it carries
// model.HarnessFrameMarker, projects it into a structured RunEvent category
// and validates its envelope. Chunks without the marker are passed through
// unchanged (category CategoryPassthrough) and are not validated.
func ProjectHarnessChunk(raw []byte) (category model.EventCategory, schemaVersion string, valid ValidationResult, isStructured bool, err error) {
	var frame map[string]any
	if jsonErr := json.Unmarshal(raw, &frame); jsonErr != nil {
		return model.CategoryPassthrough, "", ValidationResult{}, false, nil
	}

	marker, _ := frame["marker"].(string)
	if marker != model.HarnessFrameMarker {
		return model.CategoryPassthrough, "", ValidationResult{}, false, nil
	}

	valid = ValidateEnvelope(frame)

	schemaVersion = defaultSchemaVersion
	if v, ok := frame["schemaVersion"].(string); ok && v != "" {
		schemaVersion = v
	}

	category = model.CategoryPassthrough
	if c, ok := frame["category"].(string); ok {
		if mapped, known := categoryAliases[c]; known {
			category = mapped
		}
	}

	return category, schemaVersion, valid, true, nil
}
