package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
)

// stripFences removes a markdown code fence wrapping, which the LLM emits
// despite instructions often enough that the parser must tolerate it.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseArtifacts decodes one LLM response into artifacts tagged with
// batchNumber. The response as a whole failing to parse yields a single
// retained parsing_error result; an individual result failing to decode
// yields a parsing_error entry in its position while its siblings survive.
func parseArtifacts(raw string, batchNumber int) []model.ExtractionArtifact {
	cleaned := stripFences(raw)

	var envelope struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal([]byte(cleaned), &envelope); err != nil {
		return []model.ExtractionArtifact{model.NewParsingError(raw, batchNumber)}
	}

	out := make([]model.ExtractionArtifact, 0, len(envelope.Results))
	for _, item := range envelope.Results {
		artifact, err := model.UnmarshalArtifact(item)
		if err != nil {
			out = append(out, model.NewParsingError(string(item), batchNumber))
			continue
		}
		model.SetBatchNumber(artifact, batchNumber)
		out = append(out, artifact)
	}
	return out
}
