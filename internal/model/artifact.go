package model

import "fmt"

// Indicator tags which schema variant an ExtractionArtifact must satisfy.
type Indicator string

const (
	IndicatorCapacitySharing      Indicator = "Capacity Sharing for Development"
	IndicatorPolicyChange         Indicator = "Policy Change"
	IndicatorInnovationDevelopment Indicator = "Innovation Development"
)

// GeoscopeLevel is the canonical geoscope classifier. A region/country
// list is required for every level except Global and Undetermined.
type GeoscopeLevel string

const (
	GeoGlobal       GeoscopeLevel = "Global"
	GeoRegional     GeoscopeLevel = "Regional"
	GeoNational     GeoscopeLevel = "National"
	GeoSubNational  GeoscopeLevel = "Sub-national"
	GeoUndetermined GeoscopeLevel = "Undetermined"
)

func (l GeoscopeLevel) requiresRegions() bool {
	switch l {
	case GeoRegional, GeoNational, GeoSubNational:
		return true
	default:
		return false
	}
}

// GeoRegion is the canonical per-region entry: an array of {code}. The
// {country_code, areas} form some source documents use is normalized to
// this shape at the prompt layer, never here.
type GeoRegion struct {
	Code string `json:"code"`
}

// Geoscope is embedded in every ExtractionArtifact variant.
type Geoscope struct {
	Level   GeoscopeLevel `json:"level"`
	Regions []GeoRegion   `json:"regions,omitempty"`
}

// InnovationActor describes one actor involved in an innovation's
// development, one of four fixed gender/age buckets.
type InnovationActor struct {
	Name          string  `json:"name"`
	Type          string  `json:"type"`
	GenderAge     string  `json:"gender_age"`
	OtherActorType *string `json:"other_actor_type,omitempty"`
}

var validGenderAge = map[string]bool{
	"Men":                  true,
	"Women":                true,
	"Young men (18-24)":    true,
	"Young women (18-24)":  true,
}

// Base holds the fields common to every indicator variant. Indicator,
// title, description, keywords, and the geoscope level are required.
type Base struct {
	Indicator   Indicator `json:"indicator"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Keywords    []string  `json:"keywords,omitempty"`
	Geoscope    Geoscope  `json:"geoscope"`

	AllianceContactFirstName *string `json:"alliance_main_contact_person_first_name,omitempty"`
	AllianceContactLastName  *string `json:"alliance_main_contact_person_last_name,omitempty"`

	// Filled by the mapping enrichment step; null IDs and zero scores when
	// resolution was exhausted.
	AllianceContactID    *string  `json:"alliance_main_contact_person_id,omitempty"`
	AllianceContactScore *float64 `json:"alliance_main_contact_person_similarity_score,omitempty"`

	BatchNumber  *int `json:"batch_number,omitempty"`
	ParsingError bool  `json:"parsing_error,omitempty"`
	RawText      string `json:"-"` // preserved for parsing_error variants so the failure is inspectable, never serialized
}

// CapacityDevelopment is the "Capacity Sharing for Development" variant.
type CapacityDevelopment struct {
	Base

	TrainingType          *string `json:"training_type,omitempty"`
	TotalParticipants     *int    `json:"total_participants,omitempty"`
	MaleParticipants      *int    `json:"male_participants,omitempty"`
	FemaleParticipants    *int    `json:"female_participants,omitempty"`
	NonBinaryParticipants *int    `json:"non_binary_participants,omitempty"`
	DeliveryModality      *string `json:"delivery_modality,omitempty"`
	StartDate             *string `json:"start_date,omitempty"`
	EndDate               *string `json:"end_date,omitempty"`
	LengthOfTraining      *string `json:"length_of_training,omitempty"`
	Degree                *string `json:"degree,omitempty"`
}

// PolicyChange is the "Policy Change" variant.
type PolicyChange struct {
	Base

	PolicyType           *string `json:"policy_type,omitempty"`
	StageInPolicyProcess *string `json:"stage_in_policy_process,omitempty"`
	EvidenceForStage     *string `json:"evidence_for_stage,omitempty"`
}

// InnovationDevelopment is the "Innovation Development" variant.
type InnovationDevelopment struct {
	Base

	ShortTitle             *string            `json:"short_title,omitempty"`
	InnovationNature       *string            `json:"innovation_nature,omitempty"`
	InnovationType         *string            `json:"innovation_type,omitempty"`
	AssessReadiness        *int               `json:"assess_readiness,omitempty"`
	AnticipatedUsers       *string            `json:"anticipated_users,omitempty"`
	InnovationActors       []InnovationActor  `json:"innovation_actors_detailed,omitempty"`
	Organizations          []string           `json:"organizations,omitempty"`
	MappedOrganizations    []MappingResult    `json:"mapped_organizations,omitempty"`
	OrganizationType       []string           `json:"organization_type,omitempty"`
	OrganizationSubType    *string            `json:"organization_sub_type,omitempty"`
	OtherOrganizationType  *string            `json:"other_organization_type,omitempty"`
}

// ExtractionArtifact is the tagged-union interface every variant satisfies.
// Dynamic extraction results become this union rather than a dynamically
// typed map, while still tolerating a malformed LLM response via the
// dedicated ParsingError variant.
type ExtractionArtifact interface {
	base() *Base
}

// BaseOf exposes the shared Base of any variant for cross-variant steps
// (batch tagging, enrichment) that operate on common fields only.
func BaseOf(a ExtractionArtifact) *Base { return a.base() }

func (c *CapacityDevelopment) base() *Base      { return &c.Base }
func (p *PolicyChange) base() *Base             { return &p.Base }
func (i *InnovationDevelopment) base() *Base    { return &i.Base }

// ParsingError wraps a batch item that could not be parsed into any known
// variant. It is retained in the output, never silently dropped.
type ParsingError struct {
	Base
	Text string `json:"text"`
}

func (e *ParsingError) base() *Base { return &e.Base }

// NewParsingError builds a retained, flagged failure result for one batch
// item, tagged with its batch number so ordering is preserved downstream.
func NewParsingError(rawText string, batchNumber int) *ParsingError {
	return &ParsingError{
		Base: Base{
			ParsingError: true,
			BatchNumber:  &batchNumber,
			RawText:      rawText,
		},
		Text: rawText,
	}
}

// Validate enforces the schema invariants for a single artifact. Participant
// count reconciliation (adjust total down, never fabricate per-gender
// counts) happens in Normalize, which callers must invoke before Validate.
func Validate(a ExtractionArtifact) error {
	b := a.base()
	if b.ParsingError {
		return nil // retained-but-flagged results are exempt from schema validation
	}

	switch b.Indicator {
	case IndicatorCapacitySharing, IndicatorPolicyChange, IndicatorInnovationDevelopment:
	default:
		return fmt.Errorf("model.Validate: unknown indicator %q", b.Indicator)
	}
	if b.Title == "" {
		return fmt.Errorf("model.Validate: title is required")
	}
	if b.Description == "" {
		return fmt.Errorf("model.Validate: description is required")
	}
	if len(b.Keywords) == 0 {
		return fmt.Errorf("model.Validate: keywords is required")
	}
	switch b.Geoscope.Level {
	case GeoGlobal, GeoRegional, GeoNational, GeoSubNational, GeoUndetermined:
	default:
		return fmt.Errorf("model.Validate: invalid geoscope level %q", b.Geoscope.Level)
	}
	if b.Geoscope.Level.requiresRegions() && len(b.Geoscope.Regions) == 0 {
		return fmt.Errorf("model.Validate: geoscope level %q requires a non-empty region list", b.Geoscope.Level)
	}
	if !b.Geoscope.Level.requiresRegions() && len(b.Geoscope.Regions) > 0 {
		return fmt.Errorf("model.Validate: geoscope level %q must not carry a region list", b.Geoscope.Level)
	}

	switch v := a.(type) {
	case *CapacityDevelopment:
		return validateCapacityDevelopment(v)
	case *InnovationDevelopment:
		return validateInnovationDevelopment(v)
	case *PolicyChange:
		return nil
	}
	return nil
}

func validateCapacityDevelopment(c *CapacityDevelopment) error {
	for _, n := range []*int{c.TotalParticipants, c.MaleParticipants, c.FemaleParticipants, c.NonBinaryParticipants} {
		if n != nil && *n < 0 {
			return fmt.Errorf("model.Validate: participant counts must be non-negative")
		}
	}
	if c.TotalParticipants != nil && c.MaleParticipants != nil && c.FemaleParticipants != nil && c.NonBinaryParticipants != nil {
		sum := *c.MaleParticipants + *c.FemaleParticipants + *c.NonBinaryParticipants
		if *c.TotalParticipants != sum {
			return fmt.Errorf("model.Validate: total_participants (%d) must equal sum of gender counts (%d)", *c.TotalParticipants, sum)
		}
	}
	return nil
}

func validateInnovationDevelopment(i *InnovationDevelopment) error {
	if i.AssessReadiness != nil {
		if *i.AssessReadiness < 0 || *i.AssessReadiness > 9 {
			return fmt.Errorf("model.Validate: assess_readiness must be in [0,9], got %d", *i.AssessReadiness)
		}
	}
	for _, actor := range i.InnovationActors {
		if !validGenderAge[actor.GenderAge] {
			return fmt.Errorf("model.Validate: invalid innovation actor gender_age %q", actor.GenderAge)
		}
	}
	return nil
}

// NormalizeCapacityDevelopment reconciles total_participants down to the sum
// of the per-gender counts when all four are present and disagree: the
// total adjusts down, gender counts are never fabricated up.
func NormalizeCapacityDevelopment(c *CapacityDevelopment) {
	if c.TotalParticipants == nil || c.MaleParticipants == nil || c.FemaleParticipants == nil || c.NonBinaryParticipants == nil {
		return
	}
	sum := *c.MaleParticipants + *c.FemaleParticipants + *c.NonBinaryParticipants
	if *c.TotalParticipants != sum {
		*c.TotalParticipants = sum
	}
}
