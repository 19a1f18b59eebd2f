package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/dotimplement/HealthChain-sub001/internal/platform/fhir"
)

// TransformFunc rewrites one resource into another representation.
type TransformFunc func(ctx context.Context, in fhir.Resource) (fhir.Resource, error)

// AggregateFunc combines the per-source copies of a resource. The input slice
// preserves source order; a nil return falls back to a collection bundle.
type AggregateFunc func(ctx context.Context, inputs []fhir.Resource) (fhir.Resource, error)

// PredictFunc produces a model output for a subject resource. Supported
// return values are a bare probability (float64) or a map with "score" and
// optional "qualitativeRisk" keys.
type PredictFunc func(ctx context.Context, subject fhir.Resource) (interface{}, error)

type transformEntry struct {
	fn      TransformFunc
	returns string
}

type predictEntry struct {
	fn     PredictFunc
	status string
}

// HandlerRegistry holds the operation handlers the gateway dispatches to.
// Registration happens at startup; dispatch is read-only and concurrent.
type HandlerRegistry struct {
	mu         sync.RWMutex
	transforms map[string]transformEntry
	aggregates map[string]AggregateFunc
	predicts   map[string]predictEntry
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		transforms: make(map[string]transformEntry),
		aggregates: make(map[string]AggregateFunc),
		predicts:   make(map[string]predictEntry),
	}
}

// RegisterTransform binds a transform handler to a resource type. The
// handler's output must carry the declared returns type; dispatch enforces
// this. Registering a type twice is an error.
func (r *HandlerRegistry) RegisterTransform(resourceType, returns string, fn TransformFunc) error {
	if !fhir.KnownType(resourceType) {
		return fhir.NewConfigError(fmt.Sprintf("cannot register transform for unknown resource type %q", resourceType))
	}
	if !fhir.KnownType(returns) {
		return fhir.NewConfigError(fmt.Sprintf("transform for %s declares unknown return type %q", resourceType, returns))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transforms[resourceType]; exists {
		return fhir.NewConfigError(fmt.Sprintf("transform for %s is already registered", resourceType))
	}
	r.transforms[resourceType] = transformEntry{fn: fn, returns: returns}
	return nil
}

// RegisterAggregate binds an aggregate handler to a resource type.
func (r *HandlerRegistry) RegisterAggregate(resourceType string, fn AggregateFunc) error {
	if !fhir.KnownType(resourceType) {
		return fhir.NewConfigError(fmt.Sprintf("cannot register aggregate for unknown resource type %q", resourceType))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.aggregates[resourceType]; exists {
		return fhir.NewConfigError(fmt.Sprintf("aggregate for %s is already registered", resourceType))
	}
	r.aggregates[resourceType] = fn
	return nil
}

// PredictOption configures a predict registration.
type PredictOption func(*predictEntry)

// WithStatus overrides the status of wrapped RiskAssessments. The default is
// "final".
func WithStatus(status string) PredictOption {
	return func(e *predictEntry) { e.status = status }
}

// RegisterPredict binds a predict handler to a resource type.
func (r *HandlerRegistry) RegisterPredict(resourceType string, fn PredictFunc, opts ...PredictOption) error {
	if !fhir.KnownType(resourceType) {
		return fhir.NewConfigError(fmt.Sprintf("cannot register predict for unknown resource type %q", resourceType))
	}
	entry := predictEntry{fn: fn, status: "final"}
	for _, o := range opts {
		o(&entry)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.predicts[resourceType]; exists {
		return fhir.NewConfigError(fmt.Sprintf("predict for %s is already registered", resourceType))
	}
	r.predicts[resourceType] = entry
	return nil
}

// CatalogEntry describes one routable operation in the status catalog.
type CatalogEntry struct {
	ResourceType string   `json:"resource_type"`
	Method       string   `json:"method"`
	Endpoint     string   `json:"endpoint"`
	Params       []string `json:"params,omitempty"`
}

// Catalog lists the registered operations as routable entries under the given
// route prefix, sorted by resource type within each operation.
func (r *HandlerRegistry) Catalog(prefix string) map[string][]CatalogEntry {
	byOp := r.typesByOperation()
	out := map[string][]CatalogEntry{
		"transform": {},
		"aggregate": {},
		"predict":   {},
	}
	for _, rt := range byOp["transform"] {
		out["transform"] = append(out["transform"], CatalogEntry{
			ResourceType: rt,
			Method:       http.MethodGet,
			Endpoint:     prefix + "/transform/" + rt + "/{id}",
			Params:       []string{"source"},
		})
	}
	for _, rt := range byOp["aggregate"] {
		out["aggregate"] = append(out["aggregate"], CatalogEntry{
			ResourceType: rt,
			Method:       http.MethodGet,
			Endpoint:     prefix + "/aggregate/" + rt,
			Params:       []string{"id", "sources"},
		})
	}
	for _, rt := range byOp["predict"] {
		out["predict"] = append(out["predict"], CatalogEntry{
			ResourceType: rt,
			Method:       http.MethodGet,
			Endpoint:     prefix + "/predict/" + rt + "/{id}",
			Params:       []string{"source"},
		})
	}
	return out
}

// typesByOperation lists registered resource types per operation, sorted.
func (r *HandlerRegistry) typesByOperation() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	transforms := make([]string, 0, len(r.transforms))
	for k := range r.transforms {
		transforms = append(transforms, k)
	}
	aggregates := make([]string, 0, len(r.aggregates))
	for k := range r.aggregates {
		aggregates = append(aggregates, k)
	}
	predicts := make([]string, 0, len(r.predicts))
	for k := range r.predicts {
		predicts = append(predicts, k)
	}
	sort.Strings(transforms)
	sort.Strings(aggregates)
	sort.Strings(predicts)
	return map[string][]string{
		"transform": transforms,
		"aggregate": aggregates,
		"predict":   predicts,
	}
}

func notRegistered(operation, resourceType string) *fhir.ConnectionError {
	return &fhir.ConnectionError{
		Kind:    fhir.KindNotFound,
		State:   "404",
		Message: fmt.Sprintf("no %s handler registered for %s", operation, resourceType),
	}
}

// Transform reads a resource from a source and runs it through the registered
// transform. The handler's output type is checked against the registration.
func (g *Gateway) Transform(ctx context.Context, resourceType, id, source string) (fhir.Resource, error) {
	g.registry.mu.RLock()
	entry, ok := g.registry.transforms[resourceType]
	g.registry.mu.RUnlock()
	if !ok {
		return nil, notRegistered("transform", resourceType)
	}

	in, err := g.Read(ctx, resourceType, id, source)
	if err != nil {
		return nil, err
	}
	out, err := entry.fn(ctx, in)
	if err != nil {
		return nil, fhir.MapOperationError(err, resourceType, id, "transform")
	}
	if out.ResourceType() != entry.returns {
		return nil, fhir.NewValidationError(
			fmt.Sprintf("transform for %s returned %q, want %q", resourceType, out.ResourceType(), entry.returns), nil)
	}

	name, _ := g.manager.ResolveSource(source)
	g.emit("transform", resourceType, id, name, "returns="+entry.returns)
	return out, nil
}

// Aggregate reads the same resource from several sources, stamps each copy
// with its origin, and combines them. Sources where the resource is missing
// are skipped; with no sources named, every configured source is consulted.
func (g *Gateway) Aggregate(ctx context.Context, resourceType, id string, sources []string) (fhir.Resource, error) {
	g.registry.mu.RLock()
	fn, ok := g.registry.aggregates[resourceType]
	g.registry.mu.RUnlock()
	if !ok {
		return nil, notRegistered("aggregate", resourceType)
	}

	if len(sources) == 0 {
		sources = g.manager.SourceNames()
	}
	if len(sources) == 0 {
		return nil, fhir.NewConfigError("no sources configured")
	}

	var inputs []fhir.Resource
	for _, src := range sources {
		r, err := g.Read(ctx, resourceType, id, src)
		if err != nil {
			if ce, ok := fhir.AsConnectionError(err); ok && ce.State == "404" {
				continue
			}
			return nil, err
		}
		StampProvenance(r, src, "", g.now())
		inputs = append(inputs, r)
	}
	if len(inputs) == 0 {
		return nil, &fhir.ConnectionError{
			Kind:    fhir.KindNotFound,
			State:   "404",
			Message: fmt.Sprintf("aggregate %s/%s failed: no source holds the resource", resourceType, id),
		}
	}

	out, err := fn(ctx, inputs)
	if err != nil {
		return nil, fhir.MapOperationError(err, resourceType, id, "aggregate")
	}
	if out == nil {
		out = collectionBundle(inputs)
	}

	g.emit("aggregate", resourceType, id, "", fmt.Sprintf("sources=%d", len(inputs)))
	return out, nil
}

// collectionBundle wraps resources in a collection bundle.
func collectionBundle(resources []fhir.Resource) fhir.Resource {
	entries := make([]interface{}, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]interface{}{"resource": map[string]interface{}(r)})
	}
	total := len(resources)
	return fhir.Resource{
		"resourceType": "Bundle",
		"type":         "collection",
		"total":        total,
		"entry":        entries,
	}
}

// Predict reads the subject patient from a source, runs the registered model
// handler, and wraps its output. Only RiskAssessment wrapping is implemented.
func (g *Gateway) Predict(ctx context.Context, resourceType, id, source string) (fhir.Resource, error) {
	g.registry.mu.RLock()
	entry, ok := g.registry.predicts[resourceType]
	g.registry.mu.RUnlock()
	if !ok {
		return nil, notRegistered("predict", resourceType)
	}
	if resourceType != "RiskAssessment" {
		return nil, &fhir.ConnectionError{
			Kind:    fhir.KindNotImplemented,
			State:   StateNotImplemented,
			Message: fmt.Sprintf("prediction wrapping for %s is not implemented", resourceType),
		}
	}

	subject, err := g.Read(ctx, "Patient", id, source)
	if err != nil {
		return nil, err
	}
	raw, err := entry.fn(ctx, subject)
	if err != nil {
		return nil, fhir.MapOperationError(err, resourceType, id, "predict")
	}
	out, err := wrapRiskAssessment(raw, id, entry.status)
	if err != nil {
		return nil, err
	}

	name, _ := g.manager.ResolveSource(source)
	g.emit("predict", resourceType, id, name, "")
	return out, nil
}

// StateNotImplemented is the HTTP state for unimplemented wrappings.
const StateNotImplemented = "501"

// wrapRiskAssessment builds a RiskAssessment from a model output. A float is
// taken as the probability; a map may carry "score" and "qualitativeRisk".
func wrapRiskAssessment(raw interface{}, patientID, status string) (fhir.Resource, error) {
	prediction := map[string]interface{}{}

	switch v := raw.(type) {
	case float64:
		prediction["probabilityDecimal"] = v
	case map[string]interface{}:
		score, ok := v["score"].(float64)
		if !ok {
			return nil, fhir.NewValidationError("predict output map must carry a numeric score", nil)
		}
		prediction["probabilityDecimal"] = score
		if risk, ok := v["qualitativeRisk"].(string); ok && risk != "" {
			prediction["qualitativeRisk"] = map[string]interface{}{
				"coding": []interface{}{map[string]interface{}{
					"system":  "http://terminology.hl7.org/CodeSystem/risk-probability",
					"code":    risk,
					"display": risk,
				}},
				"text": risk,
			}
		}
	default:
		return nil, fhir.NewValidationError(
			fmt.Sprintf("predict output must be a probability or a score map, got %T", raw), nil)
	}

	return fhir.Resource{
		"resourceType": "RiskAssessment",
		"status":       status,
		"subject": map[string]interface{}{
			"reference": fhir.FormatReference("Patient", patientID),
		},
		"prediction": []interface{}{prediction},
	}, nil
}
