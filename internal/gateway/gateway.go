// Package gateway routes FHIR operations across named sources. It resolves a
// source to a pooled client, runs the operation, translates failures into the
// uniform error taxonomy, and emits an operation event on success.
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotimplement/HealthChain-sub001/internal/platform/events"
	"github.com/dotimplement/HealthChain-sub001/internal/platform/fhir"
)

// DefaultPrefix is the route prefix the gateway mounts under.
const DefaultPrefix = "/fhir"

// sourceURNPrefix tags aggregated resources with their origin.
const sourceURNPrefix = "urn:healthchain:source:"

// Gateway is the multi-source FHIR router.
type Gateway struct {
	manager    *fhir.ConnectionManager
	registry   *HandlerRegistry
	dispatcher events.Dispatcher
	log        zerolog.Logger
	prefix     string
	now        func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithDispatcher sets the operation event sink.
func WithDispatcher(d events.Dispatcher) Option {
	return func(g *Gateway) { g.dispatcher = d }
}

// WithPrefix overrides the route prefix.
func WithPrefix(prefix string) Option {
	return func(g *Gateway) { g.prefix = prefix }
}

// New creates a gateway over the given connection manager.
func New(manager *fhir.ConnectionManager, opts ...Option) *Gateway {
	g := &Gateway{
		manager:    manager,
		registry:   NewHandlerRegistry(),
		dispatcher: events.NopDispatcher{},
		log:        zerolog.Nop(),
		prefix:     DefaultPrefix,
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Registry returns the handler registry for transform, aggregate and predict
// registrations.
func (g *Gateway) Registry() *HandlerRegistry { return g.registry }

// Manager returns the underlying connection manager.
func (g *Gateway) Manager() *fhir.ConnectionManager { return g.manager }

// execute resolves a source, runs op against its client, and maps any failure
// into a ConnectionError carrying the operation context. This is the single
// error-translation point for remote operations.
func execute[T any](g *Gateway, source, resourceType, resourceID, operation string, op func(*fhir.Client) (T, error)) (T, string, error) {
	var zero T
	name, err := g.manager.ResolveSource(source)
	if err != nil {
		return zero, "", err
	}
	client, err := g.manager.Client(name)
	if err != nil {
		return zero, name, err
	}
	out, err := op(client)
	if err != nil {
		return zero, name, fhir.MapOperationError(err, resourceType, resourceID, operation)
	}
	return out, name, nil
}

// emit dispatches an operation event without blocking the request path.
// Delivery failures are logged and swallowed.
func (g *Gateway) emit(operation, resourceType, resourceID, source, summary string) {
	ev := events.NewOperationEvent(operation, resourceType, resourceID, source)
	ev.PayloadSummary = summary
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.dispatcher.Emit(ctx, ev); err != nil {
			g.log.Warn().Err(err).Str("event_id", ev.ID).Msg("event dispatch failed")
		}
	}()
}

// Capabilities fetches the CapabilityStatement of a source.
func (g *Gateway) Capabilities(ctx context.Context, source string) (*fhir.CapabilityStatement, error) {
	cs, _, err := execute(g, source, "CapabilityStatement", "", "capabilities", func(c *fhir.Client) (*fhir.CapabilityStatement, error) {
		return c.Capabilities(ctx)
	})
	return cs, err
}

// Read fetches one resource from a source. A missing resource surfaces as a
// NOT_FOUND-state error rather than a nil resource.
func (g *Gateway) Read(ctx context.Context, resourceType, id, source string) (fhir.Resource, error) {
	r, name, err := execute(g, source, resourceType, id, "read", func(c *fhir.Client) (fhir.Resource, error) {
		return c.Read(ctx, resourceType, id)
	})
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &fhir.ConnectionError{
			Kind:    fhir.KindNotFound,
			State:   "404",
			Message: fmt.Sprintf("read %s/%s failed: the resource type or endpoint does not exist on the server", resourceType, id),
		}
	}
	g.emit("read", resourceType, id, name, "")
	return r, nil
}

// SearchOptions controls search routing, provenance stamping and pagination.
type SearchOptions struct {
	Source           string
	AddProvenance    bool
	ProvenanceTag    string
	FollowPagination bool
	MaxPages         int
}

// Search queries a resource type on one source. With FollowPagination the
// next links are walked and all entries are concatenated in page order;
// MaxPages caps the walk (0 means no cap).
func (g *Gateway) Search(ctx context.Context, resourceType string, params map[string]interface{}, opts SearchOptions) (*fhir.Bundle, error) {
	bundle, name, err := execute(g, opts.Source, resourceType, "", "search", func(c *fhir.Client) (*fhir.Bundle, error) {
		first, err := c.Search(ctx, resourceType, params)
		if err != nil {
			return nil, err
		}
		if !opts.FollowPagination {
			return first, nil
		}
		return g.followPages(ctx, c, resourceType, first, opts.MaxPages)
	})
	if err != nil {
		return nil, err
	}

	if opts.AddProvenance {
		for _, entry := range bundle.Entry {
			if entry.Resource != nil {
				StampProvenance(entry.Resource, name, opts.ProvenanceTag, g.now())
			}
		}
	}

	g.emit("search", resourceType, "", name, fmt.Sprintf("entries=%d", len(bundle.Entry)))
	return bundle, nil
}

// followPages walks the bundle's next links, re-parsing each link's query
// into search parameters. Entries accumulate on the first page's bundle; the
// pagination links are dropped from the combined result.
func (g *Gateway) followPages(ctx context.Context, c *fhir.Client, resourceType string, first *fhir.Bundle, maxPages int) (*fhir.Bundle, error) {
	pages := 1
	current := first
	for {
		next := current.NextLink()
		if next == "" {
			break
		}
		if maxPages > 0 && pages >= maxPages {
			break
		}
		params, err := paramsFromLink(next)
		if err != nil {
			return nil, err
		}
		page, err := c.Search(ctx, resourceType, params)
		if err != nil {
			return nil, err
		}
		first.Entry = append(first.Entry, page.Entry...)
		current = page
		pages++
	}
	first.Link = nil
	return first, nil
}

// paramsFromLink extracts the query parameters of a pagination link.
func paramsFromLink(link string) (map[string]interface{}, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid pagination link %q: %w", link, err)
	}
	params := make(map[string]interface{})
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}
	return params, nil
}

// Create stores a new resource on a source and returns the server's copy.
func (g *Gateway) Create(ctx context.Context, resource fhir.Resource, source string) (fhir.Resource, error) {
	rt := resource.ResourceType()
	out, name, err := execute(g, source, rt, "", "create", func(c *fhir.Client) (fhir.Resource, error) {
		return c.Create(ctx, resource)
	})
	if err != nil {
		return nil, err
	}
	g.emit("create", rt, out.ID(), name, "")
	return out, nil
}

// Update replaces a resource on a source.
func (g *Gateway) Update(ctx context.Context, resource fhir.Resource, source string) (fhir.Resource, error) {
	rt := resource.ResourceType()
	out, name, err := execute(g, source, rt, resource.ID(), "update", func(c *fhir.Client) (fhir.Resource, error) {
		return c.Update(ctx, resource)
	})
	if err != nil {
		return nil, err
	}
	g.emit("update", rt, out.ID(), name, "")
	return out, nil
}

// Delete removes a resource from a source.
func (g *Gateway) Delete(ctx context.Context, resourceType, id, source string) (bool, error) {
	ok, name, err := execute(g, source, resourceType, id, "delete", func(c *fhir.Client) (bool, error) {
		return c.Delete(ctx, resourceType, id)
	})
	if err != nil {
		return false, err
	}
	g.emit("delete", resourceType, id, name, "")
	return ok, nil
}

// Transaction posts a transaction bundle to a source.
func (g *Gateway) Transaction(ctx context.Context, bundle *fhir.Bundle, source string) (*fhir.Bundle, error) {
	out, name, err := execute(g, source, "Bundle", "", "transaction", func(c *fhir.Client) (*fhir.Bundle, error) {
		return c.Transaction(ctx, bundle)
	})
	if err != nil {
		return nil, err
	}
	g.emit("transaction", "Bundle", "", name, fmt.Sprintf("entries=%d", len(out.Entry)))
	return out, nil
}

// Modify is a scoped edit: it reads the resource (or starts from an empty
// one when there is none), applies mutate, and on success writes the result
// back as an update or create. Returning an error from the callback aborts
// the write.
func (g *Gateway) Modify(ctx context.Context, resourceType, id, source string, mutate func(fhir.Resource) error) (fhir.Resource, error) {
	var current fhir.Resource
	exists := false
	if id != "" {
		r, err := g.Read(ctx, resourceType, id, source)
		switch {
		case err == nil:
			current, exists = r, true
		default:
			ce, ok := fhir.AsConnectionError(err)
			if !ok || ce.State != "404" {
				return nil, err
			}
		}
	}
	if current == nil {
		current = fhir.NewResource(resourceType)
		if id != "" {
			current.SetID(id)
		}
	}

	if err := mutate(current); err != nil {
		return nil, fhir.NewValidationError(fmt.Sprintf("modify %s/%s rejected", resourceType, id), err)
	}
	if current.ResourceType() != resourceType || (id != "" && current.ID() != id) {
		return nil, fhir.NewValidationError(
			fmt.Sprintf("modify %s/%s must not change the resource type or id", resourceType, id), nil)
	}

	operation := "update"
	write := func(c *fhir.Client) (fhir.Resource, error) { return c.Update(ctx, current) }
	if !exists {
		operation = "create"
		write = func(c *fhir.Client) (fhir.Resource, error) { return c.Create(ctx, current) }
	}
	out, name, err := execute(g, source, resourceType, id, operation, write)
	if err != nil {
		return nil, err
	}
	g.emit("modify", resourceType, out.ID(), name, "")
	return out, nil
}

// Status reports the gateway's sources, pool occupancy and registered
// operations.
type Status struct {
	Kind       string                    `json:"kind"`
	Prefix     string                    `json:"prefix"`
	Pool       fhir.PoolStatus           `json:"pool"`
	Operations map[string][]CatalogEntry `json:"operations"`
}

// Status returns the operational snapshot served at GET {prefix}/status.
func (g *Gateway) Status() Status {
	return Status{
		Kind:       "fhir-gateway",
		Prefix:     g.prefix,
		Pool:       g.manager.Status(),
		Operations: g.registry.Catalog(g.prefix),
	}
}

// StampProvenance marks a resource with its originating source and refresh
// time. When tag is non-empty a gateway tag coding is added to meta.tag.
func StampProvenance(r fhir.Resource, source, tag string, now time.Time) {
	meta := r.Meta()
	meta["source"] = sourceURNPrefix + source
	meta["lastUpdated"] = now.UTC().Format(time.RFC3339)
	if tag == "" {
		return
	}
	coding := map[string]interface{}{
		"system": "urn:healthchain:gateway",
		"code":   tag,
	}
	if tags, ok := meta["tag"].([]interface{}); ok {
		meta["tag"] = append(tags, coding)
	} else {
		meta["tag"] = []interface{}{coding}
	}
}
