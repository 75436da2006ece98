// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/run"
)

// =============================================================================
// Domain Router
// =============================================================================

// Planner domains a description can be routed to.
const (
	DomainGames   = "games"
	DomainWebshop = "webshop"
	DomainWebsite = "website"
	DomainGeneral = "general"
)

// KnownDomain reports whether d is a routable planner domain.
func KnownDomain(d string) bool {
	switch d {
	case DomainGames, DomainWebshop, DomainWebsite, DomainGeneral:
		return true
	}
	return false
}

// RouterSys is the system prompt for the routing call.
const RouterSys = "You classify a project description into a target planner domain. " +
	"Return only JSON for the given schema. Be decisive but honest about confidence."

// routerSchemaJSON is the JSON schema the router is asked to satisfy.
const routerSchemaJSON = `{"type": "object", "properties": {"domain": {"type": "string", "enum": ["games", "webshop", "website", "general"]}, "confidence": {"type": "number", "minimum": 0, "maximum": 1}, "alt_candidates": {"type": "array", "items": {"type": "string"}}, "rationale": {"type": "string"}}, "required": ["domain", "confidence", "rationale"]}`

// HeuristicDomain classifies a description by keyword lookup. It is the
// fallback for every router failure mode, so it always succeeds.
func HeuristicDomain(text string) run.RouterResult {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, "cart", "checkout", "product", "sku", "stripe", "filter", "catalog"):
		return run.RouterResult{
			Domain:        DomainWebshop,
			Confidence:    0.55,
			AltCandidates: []string{DomainWebsite},
			Rationale:     "ecommerce terms present",
		}
	case containsAny(t, "canvas", "sprite", "enemy", "physics", "score", "level", "game loop"):
		return run.RouterResult{
			Domain:        DomainGames,
			Confidence:    0.55,
			AltCandidates: []string{DomainWebsite},
			Rationale:     "game dev terms present",
		}
	case containsAny(t, "landing", "blog", "docs", "marketing", "portfolio", "seo"):
		return run.RouterResult{
			Domain:        DomainWebsite,
			Confidence:    0.55,
			AltCandidates: []string{DomainWebshop},
			Rationale:     "content/marketing site terms",
		}
	}
	return run.RouterResult{
		Domain:        DomainGeneral,
		Confidence:    0.4,
		AltCandidates: []string{DomainWebsite},
		Rationale:     "no strong domain cues",
	}
}

// RouteDomain classifies a project description into a planner domain.
//
// Description:
//
//	Asks the model for a schema-constrained classification. Any failure
//	at all (transport, parse, out-of-enum domain) degrades to the
//	keyword heuristic rather than failing the run, so this function
//	never returns an error.
//
// Inputs:
//   - model: override for the routing model; empty selects the default.
func RouteDomain(ctx context.Context, c Client, description, model string) run.RouterResult {
	if model == "" {
		model = DefaultRouterModel
	}

	user := fmt.Sprintf("Classify this description:\n\n%s\n\nSchema: %s", description, routerSchemaJSON)
	resp, err := c.ChatJSON(ctx, Request{
		Agent:  AgentRouter,
		Model:  model,
		System: RouterSys,
		User:   user,
	})
	if err != nil {
		slog.Warn("Domain routing call failed, using heuristics", "error", err)
		return HeuristicDomain(description)
	}

	// Confidence is pointer-typed so a missing key can be defaulted
	// without clobbering an explicit zero.
	var data struct {
		Domain        string   `json:"domain"`
		Confidence    *float64 `json:"confidence"`
		AltCandidates []string `json:"alt_candidates"`
		Rationale     string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &data); err != nil {
		slog.Warn("Domain routing returned unparseable JSON, using heuristics", "error", err)
		return HeuristicDomain(description)
	}
	if !KnownDomain(data.Domain) {
		slog.Warn("Domain routing returned invalid domain, using heuristics", "domain", data.Domain)
		return HeuristicDomain(description)
	}

	out := run.RouterResult{
		Domain:        data.Domain,
		Confidence:    0.5,
		AltCandidates: []string{},
		Rationale:     data.Rationale,
	}
	if data.Confidence != nil {
		out.Confidence = *data.Confidence
	}
	if data.AltCandidates != nil {
		out.AltCandidates = data.AltCandidates
	}
	return out
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
