// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("forge.verify")

// maxErrorsPerFile caps the errors reported for one file so a heavily
// malformed source does not flood the fix prompt.
const maxErrorsPerFile = 50

// maxWalkDepth bounds the tree traversal on pathologically nested
// parses.
const maxWalkDepth = 1000

// Syntax is a tree-sitter backed Verifier for TypeScript, TSX and
// JavaScript sources.
//
// Description:
//
//	Every checkable file is parsed with the grammar its extension
//	selects, and ERROR and MISSING nodes become per-file error
//	strings. This is a syntax check, not a type check: code that
//	parses but would not type-check still passes.
//
// Thread Safety:
//
//	Safe for concurrent use. Parsers are not, so Check creates a
//	fresh one per file.
type Syntax struct{}

// NewSyntax returns a ready-to-use syntax verifier.
func NewSyntax() *Syntax { return &Syntax{} }

// languageFor selects the grammar for a path, or nil for files the
// check does not cover.
func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return tsx.GetLanguage()
	case ".ts":
		return typescript.GetLanguage()
	case ".js", ".jsx":
		return javascript.GetLanguage()
	}
	return nil
}

// Check implements the Verifier interface.
//
// Description:
//
//	Parses every .ts/.tsx/.js/.jsx file in the snapshot and collects
//	syntax errors. A snapshot with nothing checkable is reported as
//	skipped.
//
// Inputs:
//   - ctx: Context for cancellation. Parsing aborts between files when
//     the context is done.
//   - files: Snapshot mapping path to content.
//
// Outputs:
//   - *Result: Per-file errors plus a tsc-style transcript.
//   - error: Non-nil only when parsing itself fails, normally on
//     context cancellation.
func (s *Syntax) Check(ctx context.Context, files map[string]string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Syntax.Check")
	defer span.End()

	paths := make([]string, 0, len(files))
	for path := range files {
		if languageFor(path) != nil {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	span.SetAttributes(attribute.Int("verify.files", len(paths)))

	if len(paths) == 0 {
		return &Result{
			OK:           true,
			Skipped:      true,
			ErrorsByFile: map[string][]string{},
			Log:          "No TypeScript/JavaScript sources to check.",
		}, nil
	}

	errorsByFile := make(map[string][]string)
	var transcript strings.Builder
	for _, path := range paths {
		errs, err := checkFile(ctx, languageFor(path), files[path])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, e := range errs {
			errorsByFile[path] = append(errorsByFile[path],
				fmt.Sprintf("%d:%d %s", e.line, e.col, e.msg))
			fmt.Fprintf(&transcript, "%s(%d,%d): %s\n", path, e.line, e.col, e.msg)
		}
	}

	ok := len(errorsByFile) == 0
	log := strings.TrimRight(transcript.String(), "\n")
	if ok {
		log = fmt.Sprintf("Checked %d file(s), no syntax errors.", len(paths))
	}
	span.SetAttributes(
		attribute.Bool("verify.ok", ok),
		attribute.Int("verify.errored_files", len(errorsByFile)),
	)
	return &Result{OK: ok, ErrorsByFile: errorsByFile, Log: log}, nil
}

// syntaxError is one problem found in a single file.
type syntaxError struct {
	line int
	col  int
	msg  string
}

// checkFile parses one source and walks the tree for error nodes.
func checkFile(ctx context.Context, lang *sitter.Language, content string) ([]syntaxError, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		return nil, fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()

	var errs []syntaxError
	collectErrors(tree.RootNode(), []byte(content), &errs, 0)
	return errs, nil
}

// collectErrors walks the parse tree appending ERROR and MISSING
// nodes, capped at maxErrorsPerFile.
func collectErrors(node *sitter.Node, content []byte, errs *[]syntaxError, depth int) {
	if depth > maxWalkDepth || len(*errs) >= maxErrorsPerFile {
		return
	}

	if node.IsError() || node.IsMissing() {
		point := node.StartPoint()
		msg := "Syntax error"
		if node.IsMissing() {
			msg = fmt.Sprintf("Missing %s", node.Type())
		} else if snippet := errorSnippet(node, content); snippet != "" {
			msg = fmt.Sprintf("Unexpected: %s", snippet)
		}
		*errs = append(*errs, syntaxError{
			line: int(point.Row) + 1,
			col:  int(point.Column),
			msg:  msg,
		})
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		collectErrors(node.Child(i), content, errs, depth+1)
	}
}

// errorSnippet extracts a short slice of source around an error node.
// Returns "" when the node spans nothing useful.
func errorSnippet(node *sitter.Node, content []byte) string {
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(content)) {
		end = uint32(len(content))
	}
	if end <= start || end-start >= 100 {
		return ""
	}
	snippet := string(content[start:end])
	if len(snippet) > 50 {
		snippet = snippet[:50] + "..."
	}
	return snippet
}
