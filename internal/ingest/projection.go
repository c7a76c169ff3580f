package ingest

import (
	"encoding/json"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
	"github.com/AllianceBioversityCIAT/ai-services-core/internal/recordsource"
)

// tableTypes tags each source view with the table_type attribute its chunks
// carry into the reference corpus.
var tableTypes = map[string]string{
	"vw_ai_deliverables":         "deliverables",
	"vw_ai_project_contribution": "contributions",
	"vw_ai_oicrs":                "oicrs",
	"vw_ai_innovations":          "innovations",
	"vw_ai_questions":            "questions",
}

// dateFields are sync-timestamp columns dropped from the chunk text; they
// carry no retrieval value and churn between otherwise identical
// rebuild runs.
var dateFields = map[string]bool{
	"last_updated_altmetric": true,
	"last_sync_almetric":     true,
}

// projectRow turns one relational row into a reference Chunk: empty and
// sync-timestamp columns are dropped, the remaining columns serialize to a
// deterministic JSON object (map keys sort on encode, so two runs over the
// same row produce byte-identical text), and the attribute map picks up the
// domain-routing columns plus the table_type tag.
func projectRow(tableName string, row recordsource.Row) (model.Chunk, error) {
	cleaned := make(map[string]string, len(row))
	for k, v := range row {
		if dateFields[k] {
			continue
		}
		if v == "" {
			continue
		}
		cleaned[k] = v
	}

	text, err := json.Marshal(cleaned)
	if err != nil {
		return model.Chunk{}, err
	}

	return model.Chunk{
		Text: string(text),
		Attributes: model.ChunkAttributes{
			SourceTable:      tableName,
			TableType:        tableTypes[tableName],
			IndicatorAcronym: row["indicator_acronym"],
			Year:             row["year"],
			PhaseName:        row["phase_name"],
			ClusterRole:      row["cluster_role"],
			ClusterAcronym:   row["cluster_acronym"],
			DOI:              row["doi"],
		},
	}, nil
}
