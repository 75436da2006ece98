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
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/manifest"
)

// =============================================================================
// Dev-Mode Fixtures
// =============================================================================
//
// Canned outputs used when the server runs in dev mode: a complete,
// valid plan for a small content site and a runnable four-file canvas
// demo. They let the UI and pipeline be exercised end to end without a
// model behind them.

// mockPlanJSON is a full planner response for a small website project.
const mockPlanJSON = `{
  "files": [
    {
      "name": "index.html",
      "type": "config",
      "description": "HTML shell: <div id=\"root\"></div>, SEO/meta, Tailwind Play CDN (optional inline config). No app logic.",
      "responsibilities": [
        "Provide root DOM element for React app",
        "Include SEO meta tags and page title",
        "Load Tailwind Play CDN and optional inline config"
      ],
      "externalDependencies": [],
      "internalDependencies": [],
      "exports": []
    },
    {
      "name": "package.json",
      "type": "config",
      "description": "Project manifest for React 18 + TypeScript; scripts for dev/build if needed.",
      "responsibilities": [
        "Describe npm metadata, scripts and dependencies",
        "Pin React, ReactDOM and TypeScript versions"
      ],
      "externalDependencies": [],
      "internalDependencies": [],
      "exports": []
    },
    {
      "name": "tsconfig.json",
      "type": "config",
      "description": "TS config suitable for React 18 / TSX.",
      "responsibilities": [
        "Configure TypeScript compiler for React 18",
        "Enable strict type-checking where reasonable"
      ],
      "externalDependencies": [],
      "internalDependencies": [],
      "exports": []
    },
    {
      "name": "src/main.tsx",
      "type": "entry",
      "description": "React 18 entry. createRoot(document.getElementById('root')!) and render <App/>.",
      "responsibilities": [
        "Bootstraps React app into #root",
        "Wraps <App /> in React.StrictMode"
      ],
      "externalDependencies": ["react", "react-dom/client"],
      "internalDependencies": ["src/App.tsx"],
      "exports": [
        {
          "name": "default",
          "kind": "entry",
          "propsInterface": "none",
          "signature": "(): void",
          "description": "Entry module that mounts the React tree"
        }
      ]
    },
    {
      "name": "src/index.tsx",
      "type": "component",
      "description": "Barrel re-export of App to satisfy entry-presence needs.",
      "responsibilities": [
        "Re-export App as default for tooling compatibility"
      ],
      "externalDependencies": [],
      "internalDependencies": ["src/App.tsx"],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "AppProps",
          "signature": "(props: AppProps) => JSX.Element",
          "description": "Default export that forwards to App"
        }
      ]
    },
    {
      "name": "src/router.ts",
      "type": "router",
      "description": "Hash router utilities: useHashRoute (hook) parses location.hash; navigate and routeTo helpers. Routes: '/' -> src/pages/Home.tsx, '/blog' -> src/pages/Blog.tsx, '/docs' -> src/pages/Doc.tsx, '/search' -> src/pages/Search.tsx, '/sitemap' -> src/pages/Sitemap.tsx.",
      "responsibilities": [
        "Listen to hash changes and expose current route",
        "Provide helpers to navigate between routes"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": [
        "src/pages/Home.tsx",
        "src/pages/Blog.tsx",
        "src/pages/Doc.tsx",
        "src/pages/Search.tsx",
        "src/pages/Sitemap.tsx"
      ],
      "exports": [
        {
          "name": "useHashRoute",
          "kind": "hook",
          "propsInterface": "none",
          "signature": "() => { path: string; query: URLSearchParams }",
          "description": "Custom hook exposing current hash path and query"
        },
        {
          "name": "navigate",
          "kind": "util",
          "propsInterface": "none",
          "signature": "(path: string) => void",
          "description": "Programmatic navigation helper that updates location.hash"
        },
        {
          "name": "routeTo",
          "kind": "util",
          "propsInterface": "none",
          "signature": "(name: 'home' | 'blog' | 'docs' | 'search' | 'sitemap', params?: Record<string, string>) => void",
          "description": "Named route helper mapping logical route names to hash paths"
        }
      ]
    },
    {
      "name": "src/components/Header.tsx",
      "type": "component",
      "description": "Top navigation with links to #/, #/blog, #/docs, #/search, #/sitemap. Search input pushes to #/search?q=...",
      "responsibilities": [
        "Render brand/title and main navigation links",
        "Provide search input that updates search route"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": ["src/router.ts"],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "HeaderProps",
          "signature": "(props: HeaderProps) => JSX.Element",
          "description": "Top app header with navigation and search"
        }
      ]
    },
    {
      "name": "src/components/Footer.tsx",
      "type": "component",
      "description": "Simple footer visible on all routes.",
      "responsibilities": [
        "Display app footer with muted text",
        "Show current year and simple links if needed"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": [],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "FooterProps",
          "signature": "(props: FooterProps) => JSX.Element",
          "description": "Global footer for the application"
        }
      ]
    },
    {
      "name": "src/pages/Home.tsx",
      "type": "page",
      "description": "Todo app: add/toggle/delete with localStorage('todos'). Minimal state kept in this file.",
      "responsibilities": [
        "Render todo list UI with add/toggle/delete",
        "Persist todos to localStorage and hydrate on load"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": [],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "HomePageProps",
          "signature": "(props: HomePageProps) => JSX.Element",
          "description": "Home page showing the todo application"
        }
      ]
    },
    {
      "name": "src/pages/Blog.tsx",
      "type": "page",
      "description": "Blog list and simple detail (by slug in hash). Renders Markdown-ish content from content model.",
      "responsibilities": [
        "List available blog posts",
        "Render a selected blog post based on slug"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": ["src/content/blog.ts", "src/router.ts"],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "BlogPageProps",
          "signature": "(props: BlogPageProps) => JSX.Element",
          "description": "Blog index and detail page"
        }
      ]
    },
    {
      "name": "src/pages/Doc.tsx",
      "type": "page",
      "description": "Docs list and detail (by slug). Renders Markdown-ish content from content model.",
      "responsibilities": [
        "List docs sections and pages",
        "Render a selected doc based on slug"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": ["src/content/docs.ts", "src/router.ts"],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "DocPageProps",
          "signature": "(props: DocPageProps) => JSX.Element",
          "description": "Documentation list and detail page"
        }
      ]
    },
    {
      "name": "src/pages/Search.tsx",
      "type": "page",
      "description": "Search across todos (from localStorage), blog, and docs using a simple index over titles/body.",
      "responsibilities": [
        "Provide unified search input for in-app content",
        "Show grouped results for todos, blog posts and docs"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": ["src/content/blog.ts", "src/content/docs.ts"],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "SearchPageProps",
          "signature": "(props: SearchPageProps) => JSX.Element",
          "description": "Search page for all in-app content"
        }
      ]
    },
    {
      "name": "src/pages/Sitemap.tsx",
      "type": "page",
      "description": "Renders a sitemap XML string based on known routes/content and provides a download link.",
      "responsibilities": [
        "Generate sitemap XML string from known routes",
        "Offer copy/download UX for the generated sitemap"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": ["src/content/blog.ts", "src/content/docs.ts"],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "SitemapPageProps",
          "signature": "(props: SitemapPageProps) => JSX.Element",
          "description": "Sitemap generator page"
        }
      ]
    },
    {
      "name": "src/content/blog.ts",
      "type": "data",
      "description": "Static blog content model: array of { slug, title, excerpt, body }.",
      "responsibilities": [
        "Define strongly-typed blog post model",
        "Expose static list of demo blog posts"
      ],
      "externalDependencies": [],
      "internalDependencies": [],
      "exports": [
        {
          "name": "BLOG_POSTS",
          "kind": "data",
          "propsInterface": "BlogPost",
          "signature": "readonly BlogPost[]",
          "description": "Static list of blog post data"
        }
      ]
    },
    {
      "name": "src/content/docs.ts",
      "type": "data",
      "description": "Static docs content model: array of { slug, title, body, section }.",
      "responsibilities": [
        "Define strongly-typed docs model",
        "Expose static list of documentation pages"
      ],
      "externalDependencies": [],
      "internalDependencies": [],
      "exports": [
        {
          "name": "DOCS",
          "kind": "data",
          "propsInterface": "DocPage",
          "signature": "readonly DocPage[]",
          "description": "Static list of docs page data"
        }
      ]
    },
    {
      "name": "src/util/seo.ts",
      "type": "util",
      "description": "setMeta({ title, description }) helper updates document.title and meta[name='description'].",
      "responsibilities": [
        "Provide simple SEO helper for title + description",
        "Avoid duplicating document manipulation logic"
      ],
      "externalDependencies": [],
      "internalDependencies": [],
      "exports": [
        {
          "name": "setMeta",
          "kind": "util",
          "propsInterface": "SeoParams",
          "signature": "(params: SeoParams) => void",
          "description": "Utility for updating document title and meta description"
        }
      ]
    },
    {
      "name": "src/App.tsx",
      "type": "component",
      "description": "App shell with Header/Footer. Hash-based routing to Home, Blog, Doc, Search, Sitemap. Uses setMeta per route.",
      "responsibilities": [
        "Compose global layout with header and footer",
        "Resolve current route and render active page",
        "Call SEO helper when route changes"
      ],
      "externalDependencies": ["react"],
      "internalDependencies": [
        "src/router.ts",
        "src/components/Header.tsx",
        "src/components/Footer.tsx",
        "src/pages/Home.tsx",
        "src/pages/Blog.tsx",
        "src/pages/Doc.tsx",
        "src/pages/Search.tsx",
        "src/pages/Sitemap.tsx",
        "src/util/seo.ts"
      ],
      "exports": [
        {
          "name": "default",
          "kind": "component",
          "propsInterface": "AppProps",
          "signature": "(props: AppProps) => JSX.Element",
          "description": "Root application component and router shell"
        }
      ]
    }
  ],
  "style": "Clean, minimal Tailwind UI with soft neutral background, rounded-lg cards, subtle shadows, responsive layout, and clear typographic hierarchy. Use consistent spacing scale, focus-visible rings and hover states for all interactive elements.",
  "summary": "A small content-focused React SPA with a todo home page, embedded blog/docs content, search, and a generated sitemap, styled as a clean, minimal Tailwind-powered website."
}`

// MockPlan returns a fresh copy of the canned plan. Each call parses
// anew because downstream stages mutate plans in place.
func MockPlan() *manifest.Manifest {
	var m manifest.Manifest
	if err := json.Unmarshal([]byte(mockPlanJSON), &m); err != nil {
		panic(fmt.Sprintf("generate: mock plan fixture is invalid: %v", err))
	}
	return &m
}

// MockPlanJSON returns the canned plan as raw JSON.
func MockPlanJSON() []byte {
	return []byte(mockPlanJSON)
}

const canvasPackageJSON = `{
  "name": "canvas-react-demo",
  "version": "1.0.0",
  "private": true,
  "scripts": {
    "dev": "vite",
    "build": "vite build",
    "preview": "vite preview",
    "check": "tsc --noEmit"
  },
  "dependencies": {
    "react": "^18.3.1",
    "react-dom": "^18.3.1"
  },
  "devDependencies": {
    "@types/react": "^18.3.3",
    "@types/react-dom": "^18.3.0",
    "typescript": "^5.6.3",
    "vite": "^5.4.0"
  }
}
`

const canvasIndexHTML = `<!doctype html>
<html lang="hu">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>Canvas React Demo</title>
    <link rel="stylesheet" href="/src/global.css" />
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.tsx"></script>
  </body>
</html>
`

const canvasGlobalCSS = `/* Globális CSS – reset + stílus */
:root {
  --bg: #0f1220;
  --fg: #e7e9ee;
  --muted: #aab2c5;
}

* { box-sizing: border-box; }

html, body, #root {
  margin: 0;
  height: 100%;
  background: radial-gradient(circle at 20% 10%, #141830 0%, var(--bg) 60%);
  color: var(--fg);
  font-family: system-ui, -apple-system, Segoe UI, Roboto, Ubuntu, Cantarell, 'Helvetica Neue', Arial;
}

header {
  padding: 16px;
  border-bottom: 1px solid rgba(255,255,255,0.08);
  background: rgba(255, 255, 255, 0.03);
  backdrop-filter: blur(6px);
}

canvas {
  display: block;
  width: 100%;
  height: calc(100vh - 70px);
}
`

const canvasMainTSX = `import React, { useEffect, useRef } from "react";
import { createRoot } from "react-dom/client";
import "./global.css";

const CanvasDemo: React.FC = () => {
  const ref = useRef<HTMLCanvasElement | null>(null);

  useEffect(() => {
    const canvas = ref.current;
    if (!canvas) return;
    const ctx = canvas.getContext("2d")!;
    const dpr = window.devicePixelRatio || 1;

    const resize = () => {
      const w = canvas.clientWidth;
      const h = canvas.clientHeight;
      canvas.width = w * dpr;
      canvas.height = h * dpr;
      ctx.setTransform(dpr, 0, 0, dpr, 0, 0);
    };
    window.addEventListener("resize", resize);
    resize();

    type Ball = { x: number; y: number; vx: number; vy: number; r: number; color: string };
    const rand = (a: number, b: number) => Math.random() * (b - a) + a;
    const balls: Ball[] = Array.from({ length: 10 }, () => ({
      x: rand(50, canvas.clientWidth - 50),
      y: rand(50, canvas.clientHeight - 50),
      vx: rand(-150, 150),
      vy: rand(-150, 150),
      r: rand(8, 18),
      color: ` + "`hsl(${rand(180, 280)}, 90%, 70%)`" + `,
    }));

    const mouse = { x: 0, y: 0, active: false };
    canvas.addEventListener("pointermove", e => {
      const rect = canvas.getBoundingClientRect();
      mouse.x = e.clientX - rect.left;
      mouse.y = e.clientY - rect.top;
      mouse.active = true;
    });
    canvas.addEventListener("pointerleave", () => (mouse.active = false));
    canvas.addEventListener("pointerdown", e => {
      const rect = canvas.getBoundingClientRect();
      const x = e.clientX - rect.left;
      const y = e.clientY - rect.top;
      balls.push({
        x, y,
        vx: rand(-120, 120),
        vy: rand(-120, 120),
        r: rand(10, 18),
        color: ` + "`hsl(${rand(0, 360)}, 85%, 65%)`" + `,
      });
    });

    let last = performance.now();
    const tick = (now: number) => {
      const dt = Math.min(0.033, (now - last) / 1000);
      last = now;
      ctx.fillStyle = "#0f1220";
      ctx.fillRect(0, 0, canvas.clientWidth, canvas.clientHeight);

      for (const b of balls) {
        if (mouse.active) {
          const dx = mouse.x - b.x;
          const dy = mouse.y - b.y;
          const dist2 = dx * dx + dy * dy + 1e-3;
          const pull = Math.min(80 / dist2, 0.2);
          b.vx += dx * pull * dt * 60;
          b.vy += dy * pull * dt * 60;
        }
        b.x += b.vx * dt;
        b.y += b.vy * dt;
        b.vx *= 0.998;
        b.vy = b.vy * 0.998 + 220 * dt;

        if (b.x - b.r < 0) { b.x = b.r; b.vx = Math.abs(b.vx) * 0.9; }
        if (b.x + b.r > canvas.clientWidth) { b.x = canvas.clientWidth - b.r; b.vx = -Math.abs(b.vx) * 0.9; }
        if (b.y - b.r < 0) { b.y = b.r; b.vy = Math.abs(b.vy) * 0.9; }
        if (b.y + b.r > canvas.clientHeight) { b.y = canvas.clientHeight - b.r; b.vy = -Math.abs(b.vy) * 0.9; }

        const g = ctx.createRadialGradient(b.x - b.r*0.4, b.y - b.r*0.6, b.r*0.1, b.x, b.y, b.r);
        g.addColorStop(0, "rgba(255,255,255,0.9)");
        g.addColorStop(0.2, b.color);
        g.addColorStop(1, "rgba(0,0,0,0.15)");
        ctx.fillStyle = g;
        ctx.beginPath();
        ctx.arc(b.x, b.y, b.r, 0, Math.PI * 2);
        ctx.fill();
      }

      requestAnimationFrame(tick);
    };
    requestAnimationFrame(tick);

    return () => window.removeEventListener("resize", resize);
  }, []);

  return (
    <div>
      <header>
        <h1>Canvas Demo (React + TS)</h1>
        <p>Kattints a vászonra új golyóért, mozgasd az egeret: vonzás hatás</p>
      </header>
      <canvas ref={ref}></canvas>
    </div>
  );
};

createRoot(document.getElementById("root")!).render(<CanvasDemo />);
`

// CanvasProject returns the four-file canvas demo as a fresh file map.
func CanvasProject() map[string]string {
	return map[string]string{
		"package.json":   canvasPackageJSON,
		"index.html":     canvasIndexHTML,
		"src/global.css": canvasGlobalCSS,
		"src/main.tsx":   canvasMainTSX,
	}
}

// DevTitle returns the placeholder project title used in dev mode.
func DevTitle() string {
	return "Sample Project Title" + time.Now().Format(" 2006-01-02")
}
