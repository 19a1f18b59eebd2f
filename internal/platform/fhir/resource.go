package fhir

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Resource is a FHIR resource as a JSON document. All gateway operations
// exchange resources in this form; typed views (Bundle, CapabilityStatement)
// are hydrated from it where structure matters.
type Resource map[string]interface{}

// ResourceType returns the resourceType element, or "" when absent.
func (r Resource) ResourceType() string {
	rt, _ := r["resourceType"].(string)
	return rt
}

// ID returns the logical id, or "" when absent.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// SetID sets the logical id.
func (r Resource) SetID(id string) { r["id"] = id }

// Meta returns the resource meta element, creating it when absent.
func (r Resource) Meta() map[string]interface{} {
	if m, ok := r["meta"].(map[string]interface{}); ok {
		return m
	}
	m := map[string]interface{}{}
	r["meta"] = m
	return m
}

// NewResource creates an empty resource of the given type.
func NewResource(resourceType string) Resource {
	return Resource{"resourceType": resourceType}
}

// ---------------------------------------------------------------------------
// Type registry
// ---------------------------------------------------------------------------

var (
	typeMu     sync.RWMutex
	knownTypes = map[string]bool{}
)

func init() {
	for _, t := range []string{
		"AllergyIntolerance", "Appointment", "Basic", "Binary", "Bundle",
		"CapabilityStatement", "CarePlan", "CareTeam", "Claim", "Communication",
		"Composition", "Condition", "Consent", "Coverage", "Device",
		"DiagnosticReport", "DocumentReference", "Encounter", "EpisodeOfCare",
		"FamilyMemberHistory", "Goal", "ImagingStudy", "Immunization",
		"ImmunizationRecommendation", "Location", "Medication",
		"MedicationAdministration", "MedicationDispense", "MedicationRequest",
		"MedicationStatement", "Observation", "OperationOutcome", "Organization",
		"Patient", "Practitioner", "PractitionerRole", "Procedure", "Provenance",
		"Questionnaire", "QuestionnaireResponse", "RelatedPerson",
		"RiskAssessment", "Schedule", "ServiceRequest", "Slot", "Specimen",
		"Subscription", "Task",
	} {
		knownTypes[t] = true
	}
}

// RegisterType adds a resource type name to the registry. Registering an
// already-known name is a no-op.
func RegisterType(name string) {
	typeMu.Lock()
	defer typeMu.Unlock()
	knownTypes[name] = true
}

// KnownType reports whether the resource type name is registered.
func KnownType(name string) bool {
	typeMu.RLock()
	defer typeMu.RUnlock()
	return knownTypes[name]
}

// KnownTypes returns the sorted registered type names.
func KnownTypes() []string {
	typeMu.RLock()
	defer typeMu.RUnlock()
	out := make([]string, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validator checks inbound and outbound resources before they cross the wire.
// The default implementation is structural; a full schema validator can be
// plugged in by the embedding application.
type Validator interface {
	Validate(r Resource) error
}

// StructuralValidator verifies that a resource declares a registered
// resourceType. It is the minimal contract the gateway relies on.
type StructuralValidator struct{}

func (StructuralValidator) Validate(r Resource) error {
	rt := r.ResourceType()
	if rt == "" {
		return NewValidationError("resource is missing resourceType", nil)
	}
	if !KnownType(rt) {
		return NewValidationError(fmt.Sprintf("unknown resource type %q", rt), nil)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Common datatypes
// ---------------------------------------------------------------------------

// Coding is a FHIR Coding datatype.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a FHIR CodeableConcept datatype.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// ---------------------------------------------------------------------------
// Bundle
// ---------------------------------------------------------------------------

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource Resource        `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Etag     string `json:"etag,omitempty"`
}

// NextLink returns the URL of the link with relation "next", or "".
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// CapabilityStatement
// ---------------------------------------------------------------------------

// CapabilityStatement represents the FHIR CapabilityStatement (metadata).
type CapabilityStatement struct {
	ResourceType   string            `json:"resourceType"`
	Status         string            `json:"status"`
	Date           string            `json:"date"`
	Kind           string            `json:"kind"`
	FHIRVersion    string            `json:"fhirVersion"`
	Format         []string          `json:"format"`
	Implementation *CSImplementation `json:"implementation,omitempty"`
	Rest           []CSRest          `json:"rest"`
}

type CSImplementation struct {
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

type CSRest struct {
	Mode          string       `json:"mode"`
	Documentation string       `json:"documentation,omitempty"`
	Resource      []CSResource `json:"resource"`
}

type CSResource struct {
	Type        string          `json:"type"`
	Interaction []CSInteraction `json:"interaction"`
}

type CSInteraction struct {
	Code          string `json:"code"`
	Documentation string `json:"documentation,omitempty"`
}

// ---------------------------------------------------------------------------
// OperationOutcome
// ---------------------------------------------------------------------------

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Details     *CodeableConcept `json:"details,omitempty"`
}

// FirstDiagnostics returns issue[0].diagnostics, or "".
func (o *OperationOutcome) FirstDiagnostics() string {
	if len(o.Issue) > 0 {
		return o.Issue[0].Diagnostics
	}
	return ""
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// ToResource converts a typed FHIR struct into its Resource form via a JSON
// round-trip.
func ToResource(v interface{}) (Resource, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling resource: %w", err)
	}
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling resource: %w", err)
	}
	return r, nil
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
