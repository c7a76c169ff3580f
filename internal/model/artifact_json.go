package model

import (
	"encoding/json"
	"fmt"
)

// ExtractionResponse is the ordered result list produced by one extraction
// request. Results marshal as their concrete variant; batch outputs keep
// batch-number order.
type ExtractionResponse struct {
	Results []ExtractionArtifact `json:"results"`
}

// UnmarshalJSON decodes each result through the indicator discriminator.
func (r *ExtractionResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Results = make([]ExtractionArtifact, 0, len(raw.Results))
	for _, item := range raw.Results {
		artifact, err := UnmarshalArtifact(item)
		if err != nil {
			return err
		}
		r.Results = append(r.Results, artifact)
	}
	return nil
}

// UnmarshalArtifact decodes one result object into its indicator variant.
// An unknown or missing indicator is an error; callers that must retain the
// raw text wrap it in a ParsingError variant instead of dropping it.
func UnmarshalArtifact(data []byte) (ExtractionArtifact, error) {
	var tag struct {
		Indicator    Indicator `json:"indicator"`
		ParsingError bool      `json:"parsing_error"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("model.UnmarshalArtifact: %w", err)
	}

	if tag.ParsingError {
		var e ParsingError
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("model.UnmarshalArtifact: %w", err)
		}
		return &e, nil
	}

	switch tag.Indicator {
	case IndicatorCapacitySharing:
		var c CapacityDevelopment
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("model.UnmarshalArtifact: %w", err)
		}
		return &c, nil
	case IndicatorPolicyChange:
		var p PolicyChange
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("model.UnmarshalArtifact: %w", err)
		}
		return &p, nil
	case IndicatorInnovationDevelopment:
		var i InnovationDevelopment
		if err := json.Unmarshal(data, &i); err != nil {
			return nil, fmt.Errorf("model.UnmarshalArtifact: %w", err)
		}
		return &i, nil
	default:
		return nil, fmt.Errorf("model.UnmarshalArtifact: unknown indicator %q", tag.Indicator)
	}
}

// SetBatchNumber tags an artifact with the batch it came from.
func SetBatchNumber(a ExtractionArtifact, n int) {
	a.base().BatchNumber = &n
}

// BatchNumberOf returns the artifact's batch number, or 0 when untagged.
func BatchNumberOf(a ExtractionArtifact) int {
	if b := a.base().BatchNumber; b != nil {
		return *b
	}
	return 0
}

// IsParsingError reports whether the artifact is a retained parse failure.
func IsParsingError(a ExtractionArtifact) bool {
	return a.base().ParsingError
}

// MarkParsingError flags an artifact whose schema validation failed. The
// artifact is retained in the response, never dropped.
func MarkParsingError(a ExtractionArtifact) {
	a.base().ParsingError = true
}
