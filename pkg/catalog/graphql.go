package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/envalloc/envalloc/pkg/alloc"
)

const resourceFields = `id type tags status lastSeen freedAt attributes { key value }`

const listResourcesQuery = `query ListResources($type: String!, $tags: [String!], $first: Int!, $after: String) {
  resources(type: $type, tags: $tags, first: $first, after: $after) {
    edges { node { ` + resourceFields + ` } }
    pageInfo { hasNextPage endCursor }
  }
}`

const getResourceQuery = `query GetResource($id: ID!) {
  resource(id: $id) { ` + resourceFields + ` }
}`

// GraphQLConfig configures the event repository client.
type GraphQLConfig struct {
	// URL is the GraphQL endpoint.
	URL string

	// Timeout bounds each HTTP round trip.
	Timeout time.Duration

	// PageSize is the number of resources requested per page.
	PageSize int

	// Headers are added to every request.
	Headers map[string]string
}

// GraphQLClient reads the inventory from a GraphQL event repository.
type GraphQLClient struct {
	cfg        GraphQLConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewGraphQLClient validates the query documents and returns a client.
func NewGraphQLClient(cfg GraphQLConfig, logger zerolog.Logger) (*GraphQLClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("graphql url is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}

	for name, doc := range map[string]string{"ListResources": listResourcesQuery, "GetResource": getResourceQuery} {
		parsed, err := parser.ParseQuery(&ast.Source{Name: name, Input: doc})
		if err != nil {
			return nil, fmt.Errorf("invalid %s query: %w", name, err)
		}
		if parsed.Operations.ForName(name) == nil {
			return nil, fmt.Errorf("query document does not define operation %s", name)
		}
	}

	return &GraphQLClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With().Str("component", "catalog-graphql").Logger(),
	}, nil
}

type gqlRequest struct {
	Query         string                 `json:"query"`
	OperationName string                 `json:"operationName"`
	Variables     map[string]interface{} `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResource struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Tags       []string  `json:"tags"`
	Status     string    `json:"status"`
	LastSeen   time.Time `json:"lastSeen"`
	FreedAt    time.Time `json:"freedAt"`
	Attributes []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"attributes"`
}

func (g gqlResource) toResource() alloc.Resource {
	r := alloc.Resource{
		ID:       g.ID,
		Type:     g.Type,
		Tags:     g.Tags,
		Status:   parseStatus(g.Status),
		LastSeen: g.LastSeen,
		FreedAt:  g.FreedAt,
	}
	if len(g.Attributes) > 0 {
		r.Attributes = make(map[string]string, len(g.Attributes))
		for _, a := range g.Attributes {
			r.Attributes[a.Key] = a.Value
		}
	}
	return r
}

func parseStatus(s string) alloc.ResourceStatus {
	switch alloc.ResourceStatus(s) {
	case alloc.ResourceFree, alloc.ResourceReserved, alloc.ResourceInUse, alloc.ResourceExpired:
		return alloc.ResourceStatus(s)
	default:
		return alloc.ResourceUnknown
	}
}

type listResponse struct {
	Data struct {
		Resources *struct {
			Edges []struct {
				Node gqlResource `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"resources"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

type getResponse struct {
	Data struct {
		Resource *gqlResource `json:"resource"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

// ListAvailable implements Client.
func (c *GraphQLClient) ListAvailable(ctx context.Context, spec alloc.RequirementSpec) iter.Seq2[alloc.Resource, error] {
	return func(yield func(alloc.Resource, error) bool) {
		var after *string
		for page := 0; ; page++ {
			vars := map[string]interface{}{
				"type":  spec.Type,
				"tags":  spec.Tags,
				"first": c.cfg.PageSize,
				"after": after,
			}
			var resp listResponse
			if err := c.do(ctx, "ListResources", listResourcesQuery, vars, &resp); err != nil {
				yield(alloc.Resource{}, err)
				return
			}
			if len(resp.Errors) > 0 {
				yield(alloc.Resource{}, alloc.NewCatalogUnavailable("catalog returned errors: "+resp.Errors[0].Message, nil))
				return
			}
			conn := resp.Data.Resources
			if conn == nil {
				yield(alloc.Resource{}, alloc.NewCatalogUnavailable("catalog returned no resource connection", nil))
				return
			}

			c.logger.Debug().
				Int("page", page).
				Int("count", len(conn.Edges)).
				Str("type", spec.Type).
				Msg("Catalog page fetched")

			for _, edge := range conn.Edges {
				r := edge.Node.toResource()
				// The upstream filter is trusted for type only; tags are re-checked.
				if !r.Matches(spec) {
					continue
				}
				if !yield(r, nil) {
					return
				}
			}
			if !conn.PageInfo.HasNextPage || conn.PageInfo.EndCursor == "" {
				return
			}
			cursor := conn.PageInfo.EndCursor
			after = &cursor
		}
	}
}

// Refresh implements Client.
func (c *GraphQLClient) Refresh(ctx context.Context, resourceID string) (alloc.Resource, error) {
	var resp getResponse
	if err := c.do(ctx, "GetResource", getResourceQuery, map[string]interface{}{"id": resourceID}, &resp); err != nil {
		return alloc.Resource{}, err
	}
	if len(resp.Errors) > 0 {
		return alloc.Resource{}, alloc.NewCatalogUnavailable("catalog returned errors: "+resp.Errors[0].Message, nil).
			WithResource(resourceID)
	}
	if resp.Data.Resource == nil {
		return alloc.Resource{}, alloc.NewNotFound("resource not in catalog").WithResource(resourceID)
	}
	return resp.Data.Resource.toResource(), nil
}

// do posts one GraphQL operation. Every transport or server failure becomes
// CatalogUnavailable.
func (c *GraphQLClient) do(ctx context.Context, op, query string, vars map[string]interface{}, out interface{}) (err error) {
	ctx, span := otel.Tracer("envalloc/catalog").Start(ctx, "catalog."+op)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("graphql.operation", op))

	body, err := json.Marshal(gqlRequest{Query: query, OperationName: op, Variables: vars})
	if err != nil {
		return alloc.NewInternal("failed to encode graphql request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return alloc.NewInternal("failed to build graphql request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return alloc.NewCatalogUnavailable("catalog unreachable", err).WithOperation(op)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return alloc.NewCatalogUnavailable(fmt.Sprintf("catalog returned HTTP %d", resp.StatusCode), nil).
			WithOperation(op).
			WithDetail("body", string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return alloc.NewCatalogUnavailable("catalog returned an undecodable response", err).WithOperation(op)
	}
	return nil
}
