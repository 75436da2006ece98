// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"
	"path"
	"strings"

	"github.com/AleutianAI/AleutianForge/services/forge/generate"
	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// requiredPlanFiles are the files every plan must carry. An empty kind
// matches any file type.
var requiredPlanFiles = []struct {
	name string
	kind string
}{
	{"index.html", "config"},
	{"package.json", "config"},
	{"tsconfig.json", "config"},
	{"src/main.tsx", "entry"},
	{"src/App.tsx", ""},
}

// sanityCheck validates a plan before implementation starts: required
// scaffold files, resolvable dependency references, and domain-shaped
// content. The failure strings feed the replanner prompt, so they stay
// prose. Dev mode passes unconditionally.
func sanityCheck(m *manifest.Manifest, domain string, dev bool) (bool, []string) {
	if dev {
		return true, nil
	}
	if m == nil || len(m.Files) == 0 {
		return false, []string{"files must be a non-empty list"}
	}

	var fails []string
	fails = append(fails, requiredFileFails(m)...)
	fails = append(fails, dependencyFails(m)...)
	fails = append(fails, domainFails(m, domain)...)
	return len(fails) == 0, fails
}

func requiredFileFails(m *manifest.Manifest) []string {
	var fails []string
	for _, req := range requiredPlanFiles {
		found := false
		for i := range m.Files {
			f := &m.Files[i]
			if f.Name == req.name && (req.kind == "" || f.Kind == req.kind) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		if req.kind != "" {
			fails = append(fails, fmt.Sprintf("Missing required file: %s (type='%s').", req.name, req.kind))
		} else {
			fails = append(fails, fmt.Sprintf("Missing required file: %s.", req.name))
		}
	}

	if main := m.Descriptor("src/main.tsx"); main != nil {
		rooted := false
		for _, d := range main.InternalDependencies {
			if d == "src/App.tsx" || strings.HasSuffix(d, "/App.tsx") {
				rooted = true
				break
			}
		}
		if !rooted {
			fails = append(fails, "src/main.tsx should depend on src/App.tsx as the root component.")
		}
	}
	return fails
}

// dependencyFails checks that every internal dependency and usedBy
// reference points at a planned file. Relative specifiers resolve
// against the referencing file's directory, trying the TypeScript
// extensions when the specifier has none.
func dependencyFails(m *manifest.Manifest) []string {
	names := make(map[string]bool, len(m.Files))
	for i := range m.Files {
		names[m.Files[i].Name] = true
	}

	var fails []string
	for i := range m.Files {
		f := &m.Files[i]
		for _, spec := range f.InternalDependencies {
			if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
				resolved := path.Clean(path.Join(path.Dir(f.Name), spec))
				var candidates []string
				if path.Ext(resolved) != "" {
					candidates = []string{resolved}
				} else {
					candidates = []string{resolved + ".ts", resolved + ".tsx", resolved + ".json"}
				}
				found := false
				for _, c := range candidates {
					if names[c] {
						found = true
						break
					}
				}
				if !found {
					fails = append(fails, fmt.Sprintf("Unresolvable relative dependency in %s: '%s' (tried %s)", f.Name, spec, strings.Join(candidates, ", ")))
				}
				continue
			}
			if !names[spec] {
				fails = append(fails, fmt.Sprintf("%s: internal dependency '%s' not found in plan files", f.Name, spec))
			}
		}
		for _, ub := range f.UsedBy {
			if ub != "" && !names[ub] {
				fails = append(fails, fmt.Sprintf("%s declares usedBy '%s' which does not exist in plan", f.Name, ub))
			}
		}
	}
	return fails
}

// domainFails applies the per-domain content expectations. The text
// probes search file names and responsibilities, case-insensitively.
func domainFails(m *manifest.Manifest, domain string) []string {
	var fails []string

	routerOK := false
	for i := range m.Files {
		f := &m.Files[i]
		if f.Kind == "router" && strings.HasPrefix(f.Name, "src/") {
			routerOK = true
			break
		}
	}
	if !routerOK {
		fails = append(fails, "Missing router setup file under src/ (type='router').")
	}

	var names []string
	var text []string
	for i := range m.Files {
		f := &m.Files[i]
		lower := strings.ToLower(f.Name)
		names = append(names, lower)
		text = append(text, lower)
		for _, r := range f.Responsibilities {
			text = append(text, strings.ToLower(r))
		}
	}
	mentions := func(sub string) bool {
		sub = strings.ToLower(sub)
		for _, t := range text {
			if strings.Contains(t, sub) {
				return true
			}
		}
		return false
	}
	namePart := func(part string) bool {
		part = strings.ToLower(part)
		for _, n := range names {
			if strings.Contains(n, part) {
				return true
			}
		}
		return false
	}
	countType := func(kind string) int {
		n := 0
		for i := range m.Files {
			if m.Files[i].Kind == kind {
				n++
			}
		}
		return n
	}

	switch strings.ToLower(domain) {
	case generate.DomainWebsite:
		if !(namePart("Header") && namePart("Footer")) {
			fails = append(fails, "Website should include Header and Footer components.")
		}
		if countType("page") < 2 {
			fails = append(fails, "Website should define at least two distinct pages.")
		}
		if !(namePart("seo") || mentions("SEO") || mentions("meta description")) {
			fails = append(fails, "Website should mention SEO/meta handling or provide an SEO utility.")
		}

	case generate.DomainWebshop:
		if !(mentions("product") || namePart("product")) {
			fails = append(fails, "Webshop should include a product model/data and related views.")
		}
		if !(mentions("cart") || namePart("Cart")) {
			fails = append(fails, "Webshop should include cart context/page.")
		}
		if !(mentions("checkout") || namePart("Checkout")) {
			fails = append(fails, "Webshop should include a checkout page or flow.")
		}
		if !(mentions("filter") || mentions("sort")) {
			fails = append(fails, "Webshop should mention filters or sorting.")
		}
		if !mentions("currency") {
			fails = append(fails, "Webshop should mention currency/price formatting.")
		}

	case "dashboard":
		if !(mentions("sidebar") || mentions("topbar") || namePart("Layout")) {
			fails = append(fails, "Dashboard should include an application layout (sidebar/topbar).")
		}
		if !(mentions("chart") || mentions("table") || mentions("widget")) {
			fails = append(fails, "Dashboard should include widgets such as charts or tables.")
		}
		if !(mentions("settings") || mentions("preferences")) {
			fails = append(fails, "Dashboard should include a settings or preferences area.")
		}
		if !(mentions("localStorage") || mentions("persist")) {
			fails = append(fails, "Dashboard should mention persisted preferences (for example localStorage).")
		}

	case "docs":
		if !(mentions("docs") || namePart("docs")) {
			fails = append(fails, "Docs site should include docs content model and pages.")
		}
		if !mentions("search") {
			fails = append(fails, "Docs site should include search over documentation content.")
		}
		if !(mentions("heading") || mentions("deep-link")) {
			fails = append(fails, "Docs site should mention deep-linkable headings or TOC.")
		}

	case generate.DomainGames:
		if !(mentions("board") || mentions("grid") || mentions("chess") || mentions("game state")) {
			fails = append(fails, "Game domain should clearly describe a playable board or game state.")
		}
		if !(namePart("engine") || mentions("engine") || mentions("rules")) {
			fails = append(fails, "Game domain should include a pure engine or rule utility module.")
		}
		if countType("page") == 0 {
			fails = append(fails, "Game domain should define at least one page-type file for the main view.")
		}
		if !(namePart("Board") || mentions("board component")) {
			fails = append(fails, "Game domain should include a dedicated board or playfield component.")
		}
	}
	return fails
}
