// Package phpast extracts structural facts from PHP source using
// tree-sitter: symbols (classes, traits, interfaces, functions, methods,
// constants), resolved routes from route files, and migration
// classifications from migration files.
package phpast

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/php"

	"reposcope/internal/logging"
	"reposcope/internal/types"
)

// Extraction is everything the extractor produced for one file.
// ParseErr is set for files the parser could not fully consume; routes are
// withheld for such files while symbols remain best-effort.
type Extraction struct {
	Symbols   []types.Symbol
	Routes    []types.Route
	Migration *types.Migration
	ParseErr  *types.ParseError
}

// Extractor parses PHP files and emits structural facts.
type Extractor struct {
	parser *sitter.Parser
}

// NewExtractor creates a tree-sitter backed PHP extractor.
func NewExtractor() *Extractor {
	parser := sitter.NewParser()
	parser.SetLanguage(php.GetLanguage())
	return &Extractor{parser: parser}
}

// Close releases parser resources.
func (e *Extractor) Close() {
	e.parser.Close()
}

// Extract parses one file and emits the facts relevant to its path:
// symbols for every PHP file, routes for files under routes/, one
// migration record for files under migrations/.
func (e *Extractor) Extract(ctx context.Context, repo types.RepoKey, path string, content []byte) (*Extraction, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "Extract "+path)
	defer timer.Stop()

	tree, err := e.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	out := &Extraction{}

	if root.HasError() {
		out.ParseErr = firstParseError(root, path)
		logging.Get(logging.CategoryExtract).Warn("Parse error in %s at %d:%d", path, out.ParseErr.Line, out.ParseErr.Column)
	}

	out.Symbols = e.extractSymbols(root, repo, path, content)

	if isRouteFile(path) && out.ParseErr == nil {
		out.Routes = e.extractRoutes(root, repo, path, content)
	}
	if isMigrationFile(path) {
		out.Migration = extractMigration(repo, path, content)
	}

	logging.ExtractDebug("Extracted %s: %d symbols, %d routes, migration=%v",
		path, len(out.Symbols), len(out.Routes), out.Migration != nil)

	return out, nil
}

func isRouteFile(path string) bool {
	return strings.Contains(path, "routes/") && strings.HasSuffix(path, ".php")
}

func isMigrationFile(path string) bool {
	return strings.Contains(path, "migrations/") && strings.HasSuffix(path, ".php")
}

// firstParseError locates the first ERROR node for position reporting.
func firstParseError(root *sitter.Node, path string) *types.ParseError {
	var found *sitter.Node
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if found != nil {
			return
		}
		if n.IsError() || n.IsMissing() {
			found = n
			return
		}
		if !n.HasError() {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(root)

	pe := &types.ParseError{File: path, Message: "syntax error"}
	if found != nil {
		pe.Line = int(found.StartPoint().Row) + 1
		pe.Column = int(found.StartPoint().Column) + 1
	}
	return pe
}

// =============================================================================
// SYMBOL EXTRACTION
// =============================================================================

func (e *Extractor) extractSymbols(root *sitter.Node, repo types.RepoKey, path string, content []byte) []types.Symbol {
	var symbols []types.Symbol
	namespace := ""

	getText := func(n *sitter.Node) string {
		return n.Content(content)
	}

	var walk func(n *sitter.Node, parentID string)
	walk = func(n *sitter.Node, parentID string) {
		switch n.Type() {
		case "namespace_definition":
			if nameNode := n.ChildByFieldName("name"); nameNode != nil {
				namespace = getText(nameNode)
			}

		case "class_declaration", "interface_declaration", "trait_declaration":
			nameNode := n.ChildByFieldName("name")
			if nameNode == nil {
				break
			}
			name := getText(nameNode)
			kind := types.SymbolClass
			switch n.Type() {
			case "interface_declaration":
				kind = types.SymbolInterface
			case "trait_declaration":
				kind = types.SymbolTrait
			}
			sym := types.Symbol{
				Repo:          repo,
				File:          path,
				Name:          name,
				QualifiedName: qualify(namespace, name),
				Kind:          kind,
				StartLine:     int(n.StartPoint().Row) + 1,
				EndLine:       int(n.EndPoint().Row) + 1,
				Docstring:     docComment(n, content),
			}
			sym.ID = symbolID(path, sym.Kind, sym.QualifiedName, sym.StartLine)
			symbols = append(symbols, sym)

			if body := n.ChildByFieldName("body"); body != nil {
				for i := 0; i < int(body.NamedChildCount()); i++ {
					walk(body.NamedChild(i), sym.ID)
				}
			}
			return

		case "method_declaration":
			nameNode := n.ChildByFieldName("name")
			if nameNode == nil {
				break
			}
			name := getText(nameNode)
			sym := types.Symbol{
				Repo:         repo,
				File:         path,
				Name:         name,
				Kind:         types.SymbolMethod,
				StartLine:    int(n.StartPoint().Row) + 1,
				EndLine:      int(n.EndPoint().Row) + 1,
				ParentSymbol: parentID,
				Docstring:    docComment(n, content),
				Visibility:   methodVisibility(n, content),
				IsStatic:     hasModifier(n, "static_modifier"),
			}
			if params := n.ChildByFieldName("parameters"); params != nil {
				sym.Signature = getText(params)
			}
			sym.QualifiedName = qualifyMember(namespace, enclosingClassName(symbols, parentID), name)
			sym.ID = symbolID(path, sym.Kind, sym.QualifiedName, sym.StartLine)
			symbols = append(symbols, sym)
			return

		case "function_definition":
			nameNode := n.ChildByFieldName("name")
			if nameNode == nil {
				break
			}
			name := getText(nameNode)
			sym := types.Symbol{
				Repo:          repo,
				File:          path,
				Name:          name,
				QualifiedName: qualify(namespace, name),
				Kind:          types.SymbolFunction,
				StartLine:     int(n.StartPoint().Row) + 1,
				EndLine:       int(n.EndPoint().Row) + 1,
				Docstring:     docComment(n, content),
			}
			if params := n.ChildByFieldName("parameters"); params != nil {
				sym.Signature = getText(params)
			}
			sym.ID = symbolID(path, sym.Kind, sym.QualifiedName, sym.StartLine)
			symbols = append(symbols, sym)
			return

		case "const_declaration":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				elem := n.NamedChild(i)
				if elem.Type() != "const_element" {
					continue
				}
				nameNode := elem.NamedChild(0)
				if nameNode == nil {
					continue
				}
				name := getText(nameNode)
				sym := types.Symbol{
					Repo:         repo,
					File:         path,
					Name:         name,
					Kind:         types.SymbolConstant,
					StartLine:    int(elem.StartPoint().Row) + 1,
					EndLine:      int(elem.EndPoint().Row) + 1,
					ParentSymbol: parentID,
				}
				if parentID != "" {
					sym.QualifiedName = qualifyMember(namespace, enclosingClassName(symbols, parentID), name)
				} else {
					sym.QualifiedName = qualify(namespace, name)
				}
				sym.ID = symbolID(path, sym.Kind, sym.QualifiedName, sym.StartLine)
				symbols = append(symbols, sym)
			}
			return
		}

		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i), parentID)
		}
	}
	walk(root, "")

	return symbols
}

// docComment returns the doc comment immediately preceding a declaration.
func docComment(n *sitter.Node, content []byte) string {
	prev := n.PrevNamedSibling()
	if prev == nil || prev.Type() != "comment" {
		return ""
	}
	text := prev.Content(content)
	if !strings.HasPrefix(text, "/**") {
		return ""
	}
	return cleanDocComment(text)
}

// cleanDocComment strips comment markers and leading asterisks.
func cleanDocComment(text string) string {
	text = strings.TrimPrefix(text, "/**")
	text = strings.TrimSuffix(text, "*/")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "*")
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, " ")
}

func methodVisibility(n *sitter.Node, content []byte) string {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() == "visibility_modifier" {
			return c.Content(content)
		}
	}
	return "public"
}

func hasModifier(n *sitter.Node, modifier string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.Child(i).Type() == modifier {
			return true
		}
	}
	return false
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "\\" + name
}

func qualifyMember(namespace, class, member string) string {
	if class == "" {
		return qualify(namespace, member)
	}
	return qualify(namespace, class) + "::" + member
}

// enclosingClassName resolves a parent symbol id back to its plain name.
func enclosingClassName(symbols []types.Symbol, parentID string) string {
	if parentID == "" {
		return ""
	}
	for i := len(symbols) - 1; i >= 0; i-- {
		if symbols[i].ID == parentID {
			return symbols[i].Name
		}
	}
	return ""
}

// symbolID derives a deterministic surrogate id. Determinism matters:
// re-indexing the same commit must produce an identical generation payload.
func symbolID(path string, kind types.SymbolKind, qualified string, startLine int) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%d", path, kind, qualified, startLine)))
	return hex.EncodeToString(h[:8])
}
