package combos

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/kwrank/kit"
)

// RegisterMCP registers all kwrank tools on an MCP server. Every tool takes
// a tenant_id argument, set by the identity resolver in front of the server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerGenerate(srv)
	svc.registerAnalyze(srv)
	svc.registerTrackSubject(srv)
	svc.registerUntrackSubject(srv)
	svc.registerListTracked(srv)
	svc.registerRefreshSubject(srv)
	svc.registerHistory(srv)
}

var errMissingTenant = fmt.Errorf("%w: tenant_id is required", ErrInvalidArguments)

// tenantScoped rejects calls without a tenant before the endpoint runs.
var tenantScoped = kit.RequireTenant(errMissingTenant)

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var tokensSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":         map[string]any{"type": "string", "description": "Listing title (max 30 characters)"},
		"subtitle":      map[string]any{"type": "string", "description": "Listing subtitle (max 30 characters)"},
		"keyword_field": map[string]any{"type": "string", "description": "Comma-separated keyword field (max 100 characters)"},
	},
	"required": []string{"title"},
}

var generateProps = map[string]any{
	"min_len":       map[string]any{"type": "integer", "description": "Minimum words per combo (2-4, default 2)"},
	"max_len":       map[string]any{"type": "integer", "description": "Maximum words per combo (2-4, default 4)"},
	"include_cross": map[string]any{"type": "boolean", "description": "Also combine words across fields (default true)"},
	"max_combos":    map[string]any{"type": "integer", "description": "Cap on combos after dedup, strongest first (0 = no cap)"},
}

func withProps(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func tenantProp() map[string]any {
	return map[string]any{"type": "string", "description": "Tenant ID"}
}

// --- Generation ---

func (svc *Service) registerGenerate(srv *mcp.Server) {
	type req struct {
		TenantID string `json:"tenant_id"`
		GenerateRequest
	}

	tool := &mcp.Tool{
		Name:        "kwrank_generate",
		Description: "Generate and classify keyword combinations from listing text, without ranking lookups",
		InputSchema: inputSchema(withProps(generateProps, map[string]any{
			"tenant_id":   tenantProp(),
			"tokens":      tokensSchema,
			"brand_terms": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Brand terms to exclude"},
			"locale":      map[string]any{"type": "string", "description": "Storefront locale, e.g. en-US"},
		}), []string{"tenant_id", "tokens", "locale"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Generate(ctx, &p.GenerateRequest)
	}

	kit.RegisterMCPTool(srv, tool, tenantScoped(endpoint), kit.DecodeJSON(func(p *req) string { return p.TenantID }))
}

func (svc *Service) registerAnalyze(srv *mcp.Server) {
	type req struct {
		TenantID string `json:"tenant_id"`
		Request
	}

	tool := &mcp.Tool{
		Name:        "kwrank_analyze",
		Description: "Generate keyword combinations and look up the subject's ranking and competition for each on the store search",
		InputSchema: inputSchema(withProps(generateProps, map[string]any{
			"tenant_id":   tenantProp(),
			"subject_id":  map[string]any{"type": "string", "description": "Store id of the app to locate in results (optional)"},
			"tokens":      tokensSchema,
			"brand_terms": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"platform":    map[string]any{"type": "string", "description": "ios, ipad or macos"},
			"locale":      map[string]any{"type": "string", "description": "Storefront locale, e.g. en-US"},
			"opportunities": map[string]any{
				"type":        "object",
				"description": "Add an opportunity view: max_level, min_tier, unranked_only, limit",
			},
		}), []string{"tenant_id", "tokens", "platform", "locale"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Analyze(ctx, kit.GetTenantID(ctx), &p.Request)
	}

	kit.RegisterMCPTool(srv, tool, tenantScoped(endpoint), kit.DecodeJSON(func(p *req) string { return p.TenantID }))
}

// --- Tracking ---

type trackRequest struct {
	TenantID     string   `json:"tenant_id"`
	SubjectID    string   `json:"subject_id"`
	Title        string   `json:"title"`
	Subtitle     string   `json:"subtitle"`
	KeywordField string   `json:"keyword_field"`
	BrandTerms   []string `json:"brand_terms"`
	Platform     string   `json:"platform"`
	Locale       string   `json:"locale"`
	Enabled      *bool    `json:"enabled"`
}

func (p *trackRequest) subject() *TrackedSubject {
	return &TrackedSubject{
		ID:           p.SubjectID,
		Title:        p.Title,
		Subtitle:     p.Subtitle,
		KeywordField: p.KeywordField,
		BrandTerms:   p.BrandTerms,
		Platform:     p.Platform,
		Locale:       p.Locale,
		Enabled:      p.Enabled == nil || *p.Enabled,
	}
}

func (svc *Service) registerTrackSubject(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "kwrank_track_subject",
		Description: "Track an app: its combos are re-ranked once a day and kept as history",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":     tenantProp(),
			"subject_id":    map[string]any{"type": "string", "description": "Store id of the app"},
			"title":         map[string]any{"type": "string"},
			"subtitle":      map[string]any{"type": "string"},
			"keyword_field": map[string]any{"type": "string"},
			"brand_terms":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"platform":      map[string]any{"type": "string"},
			"locale":        map[string]any{"type": "string"},
			"enabled":       map[string]any{"type": "boolean", "description": "Include in daily refresh (default true)"},
		}, []string{"tenant_id", "subject_id", "title", "platform", "locale"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		sub := r.(*trackRequest).subject()
		if err := svc.TrackSubject(ctx, kit.GetTenantID(ctx), sub); err != nil {
			return nil, err
		}
		return sub, nil
	}

	kit.RegisterMCPTool(srv, tool, tenantScoped(endpoint), kit.DecodeJSON(func(p *trackRequest) string { return p.TenantID }))
}

type subjectRequest struct {
	TenantID  string `json:"tenant_id"`
	SubjectID string `json:"subject_id"`
}

func (svc *Service) registerUntrackSubject(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "kwrank_untrack_subject",
		Description: "Stop tracking an app and delete its ranking history",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":  tenantProp(),
			"subject_id": map[string]any{"type": "string"},
		}, []string{"tenant_id", "subject_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*subjectRequest)
		if err := svc.UntrackSubject(ctx, kit.GetTenantID(ctx), p.SubjectID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "untracked", "subject_id": p.SubjectID}, nil
	}

	kit.RegisterMCPTool(srv, tool, tenantScoped(endpoint), kit.DecodeJSON(func(p *subjectRequest) string { return p.TenantID }))
}

func (svc *Service) registerListTracked(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "kwrank_list_tracked",
		Description: "List tracked apps",
		InputSchema: inputSchema(map[string]any{
			"tenant_id": tenantProp(),
		}, []string{"tenant_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return svc.ListTracked(ctx, kit.GetTenantID(ctx))
	}

	kit.RegisterMCPTool(srv, tool, tenantScoped(endpoint), kit.DecodeJSON(func(p *subjectRequest) string { return p.TenantID }))
}

func (svc *Service) registerRefreshSubject(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "kwrank_refresh_subject",
		Description: "Re-rank a tracked app now instead of waiting for the daily refresh",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":  tenantProp(),
			"subject_id": map[string]any{"type": "string"},
		}, []string{"tenant_id", "subject_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*subjectRequest)
		return svc.RefreshTracked(ctx, kit.GetTenantID(ctx), p.SubjectID)
	}

	kit.RegisterMCPTool(srv, tool, tenantScoped(endpoint), kit.DecodeJSON(func(p *subjectRequest) string { return p.TenantID }))
}

func (svc *Service) registerHistory(srv *mcp.Server) {
	type req struct {
		TenantID string `json:"tenant_id"`
		HistoryQuery
	}

	tool := &mcp.Tool{
		Name:        "kwrank_history",
		Description: "Daily ranking history of a tracked app, oldest first",
		InputSchema: inputSchema(map[string]any{
			"tenant_id":   tenantProp(),
			"subject_id":  map[string]any{"type": "string"},
			"platform":    map[string]any{"type": "string"},
			"locale":      map[string]any{"type": "string"},
			"combos":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"from":        map[string]any{"type": "string", "description": "First day, YYYY-MM-DD"},
			"to":          map[string]any{"type": "string", "description": "Last day, YYYY-MM-DD"},
			"ranked_only": map[string]any{"type": "boolean"},
			"limit":       map[string]any{"type": "integer"},
		}, []string{"tenant_id", "subject_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		q := r.(*req).HistoryQuery
		q.TenantID = kit.GetTenantID(ctx)
		return svc.History(ctx, q)
	}

	kit.RegisterMCPTool(srv, tool, tenantScoped(endpoint), kit.DecodeJSON(func(p *req) string { return p.TenantID }))
}
