package gateway

import (
	"time"

	"github.com/dotimplement/HealthChain-sub001/internal/platform/fhir"
)

// CapabilityStatement describes the gateway itself: one rest entry per
// resource type, with an interaction per registered operation. Transform and
// predict surface as read interactions, aggregate as search-type.
func (g *Gateway) CapabilityStatement() *fhir.CapabilityStatement {
	catalog := g.registry.typesByOperation()

	interactions := map[string][]fhir.CSInteraction{}
	add := func(resourceType string, in fhir.CSInteraction) {
		interactions[resourceType] = append(interactions[resourceType], in)
	}
	for _, rt := range catalog["transform"] {
		add(rt, fhir.CSInteraction{Code: "read", Documentation: "transformed representation"})
	}
	for _, rt := range catalog["aggregate"] {
		add(rt, fhir.CSInteraction{Code: "search-type", Documentation: "aggregated across sources"})
	}
	for _, rt := range catalog["predict"] {
		add(rt, fhir.CSInteraction{Code: "read", Documentation: "model prediction"})
	}

	// Deterministic resource order: transform, then aggregate, then predict,
	// without duplicates.
	var order []string
	seen := map[string]bool{}
	for _, op := range []string{"transform", "aggregate", "predict"} {
		for _, rt := range catalog[op] {
			if !seen[rt] {
				seen[rt] = true
				order = append(order, rt)
			}
		}
	}

	resources := make([]fhir.CSResource, 0, len(order))
	for _, rt := range order {
		resources = append(resources, fhir.CSResource{Type: rt, Interaction: interactions[rt]})
	}

	return &fhir.CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Date:         g.now().UTC().Format(time.RFC3339),
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Format:       []string{"application/fhir+json"},
		Implementation: &fhir.CSImplementation{
			Description: "HealthChain FHIR gateway",
		},
		Rest: []fhir.CSRest{{
			Mode:          "server",
			Documentation: "Operations are routed to the configured upstream sources.",
			Resource:      resources,
		}},
	}
}
