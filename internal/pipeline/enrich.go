package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
)

// enrich resolves the free-text names each artifact carries into canonical
// identifiers and patches the artifacts in place. Mapping exhaustion leaves
// null IDs and zero scores; it never fails the request.
func (p *ExtractionPipeline) enrich(ctx context.Context, logger *slog.Logger, content *model.ExtractionResponse) {
	if p.mapper == nil {
		return
	}

	entries := collectMappingEntries(content.Results)
	if len(entries) == 0 {
		return
	}

	results := p.mapper.MapEntries(ctx, entries)
	byKey := make(map[mappingKey]model.MappingResult, len(results))
	for _, r := range results {
		byKey[mappingKey{r.OriginalValue, r.Type}] = r
	}

	for _, artifact := range content.Results {
		applyMappings(artifact, byKey)
	}
	logger.Info("enrichment applied", "entries", len(entries))
}

type mappingKey struct {
	value string
	typ   model.MappingEntryType
}

// collectMappingEntries gathers every resolvable name across the result
// set, deduplicated, in first-seen order.
func collectMappingEntries(artifacts []model.ExtractionArtifact) []model.MappingEntry {
	seen := make(map[mappingKey]bool)
	var entries []model.MappingEntry

	add := func(value string, typ model.MappingEntryType) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		key := mappingKey{value, typ}
		if seen[key] {
			return
		}
		seen[key] = true
		entries = append(entries, model.MappingEntry{OriginalValue: value, Type: typ})
	}

	for _, artifact := range artifacts {
		if model.IsParsingError(artifact) {
			continue
		}
		if name := contactName(artifact); name != "" {
			add(name, model.MappingStaff)
		}
		if inno, ok := artifact.(*model.InnovationDevelopment); ok {
			for _, org := range inno.Organizations {
				add(org, model.MappingInstitution)
			}
		}
	}
	return entries
}

// applyMappings patches one artifact with its resolved identifiers.
func applyMappings(artifact model.ExtractionArtifact, byKey map[mappingKey]model.MappingResult) {
	if model.IsParsingError(artifact) {
		return
	}

	if name := contactName(artifact); name != "" {
		if r, ok := byKey[mappingKey{name, model.MappingStaff}]; ok {
			setContactMapping(artifact, r)
		}
	}

	if inno, ok := artifact.(*model.InnovationDevelopment); ok && len(inno.Organizations) > 0 {
		mapped := make([]model.MappingResult, 0, len(inno.Organizations))
		for _, org := range inno.Organizations {
			org = strings.TrimSpace(org)
			if org == "" {
				continue
			}
			if r, ok := byKey[mappingKey{org, model.MappingInstitution}]; ok {
				mapped = append(mapped, r)
			} else {
				mapped = append(mapped, model.Null(model.MappingEntry{OriginalValue: org, Type: model.MappingInstitution}))
			}
		}
		inno.MappedOrganizations = mapped
	}
}

func contactName(artifact model.ExtractionArtifact) string {
	b := model.BaseOf(artifact)
	name := strings.TrimSpace(deref(b.AllianceContactFirstName)) + " " + strings.TrimSpace(deref(b.AllianceContactLastName))
	return strings.TrimSpace(name)
}

func setContactMapping(artifact model.ExtractionArtifact, r model.MappingResult) {
	b := model.BaseOf(artifact)
	b.AllianceContactID = r.MappedID
	score := 0.0
	if r.Score != nil {
		score = *r.Score
	}
	b.AllianceContactScore = &score
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
