package phpast

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"reposcope/internal/types"
)

// Route resolution walks the AST treating Route facade call chains as
// route-defining. Inherited group state lives in an explicit frame stack,
// never in mutable globals: group closures push a frame, emit under it, and
// pop on exit.

// routeFrame carries the prefix and middleware inherited by routes defined
// lexically inside a group closure.
type routeFrame struct {
	prefix     string
	middleware []string
}

var httpMethodNames = map[string]types.HTTPMethod{
	"get":     types.MethodGet,
	"post":    types.MethodPost,
	"put":     types.MethodPut,
	"patch":   types.MethodPatch,
	"delete":  types.MethodDelete,
	"options": types.MethodOptions,
	"any":     types.MethodAny,
}

// resourceAction describes one route of a resource expansion.
type resourceAction struct {
	action    string
	method    types.HTTPMethod
	uriSuffix string
	apiRoute  bool // included in apiResource expansion
}

// resourceActions is the deterministic 7-route expansion; apiResource keeps
// the five with apiRoute set.
var resourceActions = []resourceAction{
	{"index", types.MethodGet, "", true},
	{"create", types.MethodGet, "/create", false},
	{"store", types.MethodPost, "", true},
	{"show", types.MethodGet, "/{id}", true},
	{"edit", types.MethodGet, "/{id}/edit", false},
	{"update", types.MethodPut, "/{id}", true},
	{"destroy", types.MethodDelete, "/{id}", true},
}

type routeWalker struct {
	repo    types.RepoKey
	file    string
	content []byte
	stack   []routeFrame
	routes  []types.Route
}

func (e *Extractor) extractRoutes(root *sitter.Node, repo types.RepoKey, path string, content []byte) []types.Route {
	w := &routeWalker{
		repo:    repo,
		file:    path,
		content: content,
		stack:   []routeFrame{{prefix: "", middleware: nil}},
	}
	w.walkStatements(root)
	return w.routes
}

func (w *routeWalker) frame() routeFrame {
	return w.stack[len(w.stack)-1]
}

func (w *routeWalker) text(n *sitter.Node) string {
	return n.Content(w.content)
}

// walkStatements descends looking for Route facade call chains. A matched
// chain is consumed whole; everything else recurses.
func (w *routeWalker) walkStatements(n *sitter.Node) {
	if n.Type() == "expression_statement" {
		if expr := n.NamedChild(0); expr != nil {
			if links, rooted := w.flattenChain(expr); rooted {
				w.handleChain(links)
				return
			}
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walkStatements(n.NamedChild(i))
	}
}

// chainLink is one call in a flattened facade chain, ordered from the
// facade outward.
type chainLink struct {
	name string
	args []*sitter.Node
}

// flattenChain unwinds a method-call chain down to its root. It reports
// rooted=true only when the root is a static call on the Route facade.
func (w *routeWalker) flattenChain(n *sitter.Node) ([]chainLink, bool) {
	var links []chainLink
	for n != nil && n.Type() == "member_call_expression" {
		name := n.ChildByFieldName("name")
		if name == nil {
			return nil, false
		}
		links = append([]chainLink{{name: w.text(name), args: w.argumentNodes(n)}}, links...)
		n = n.ChildByFieldName("object")
	}
	if n == nil || n.Type() != "scoped_call_expression" {
		return nil, false
	}
	scope := n.ChildByFieldName("scope")
	name := n.ChildByFieldName("name")
	if scope == nil || name == nil {
		return nil, false
	}
	scopeText := w.text(scope)
	if scopeText != "Route" && !strings.HasSuffix(scopeText, "\\Route") {
		return nil, false
	}
	links = append([]chainLink{{name: w.text(name), args: w.argumentNodes(n)}}, links...)
	return links, true
}

// argumentNodes returns the expression node of each argument of a call.
func (w *routeWalker) argumentNodes(call *sitter.Node) []*sitter.Node {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return nil
	}
	var out []*sitter.Node
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() == "argument" {
			if inner := arg.NamedChild(0); inner != nil {
				out = append(out, inner)
			}
			continue
		}
		out = append(out, arg)
	}
	return out
}

// handleChain classifies one flattened chain: group, HTTP method call, or
// resource shorthand.
func (w *routeWalker) handleChain(links []chainLink) {
	for _, link := range links {
		if link.name == "group" {
			w.handleGroup(links, link)
			return
		}
	}
	for _, link := range links {
		if _, ok := httpMethodNames[link.name]; ok {
			w.handleRoute(links, link)
			return
		}
	}
	for _, link := range links {
		if link.name == "resource" || link.name == "apiResource" {
			w.handleResource(link)
			return
		}
	}
}

// handleGroup pushes a frame composed from the chain's prefix and
// middleware links, extracts under it, and pops.
func (w *routeWalker) handleGroup(links []chainLink, group chainLink) {
	parent := w.frame()
	frame := routeFrame{
		prefix:     parent.prefix,
		middleware: append([]string(nil), parent.middleware...),
	}

	for _, link := range links {
		switch link.name {
		case "prefix":
			if len(link.args) > 0 {
				frame.prefix = joinPrefix(frame.prefix, w.stringValue(link.args[0]))
			}
		case "middleware":
			frame.middleware = append(frame.middleware, w.middlewareValues(link.args)...)
		}
	}

	var closure *sitter.Node
	for _, arg := range group.args {
		if arg.Type() == "anonymous_function_creation_expression" || arg.Type() == "arrow_function" {
			closure = arg
			break
		}
	}
	if closure == nil {
		return
	}
	body := closure.ChildByFieldName("body")
	if body == nil {
		return
	}

	w.stack = append(w.stack, frame)
	w.walkStatements(body)
	w.stack = w.stack[:len(w.stack)-1]
}

// handleRoute emits one route from an HTTP-method chain.
func (w *routeWalker) handleRoute(links []chainLink, methodLink chainLink) {
	if len(methodLink.args) == 0 {
		return
	}

	frame := w.frame()
	uri := w.stringValue(methodLink.args[0])

	route := types.Route{
		Repo:       w.repo,
		Method:     httpMethodNames[methodLink.name],
		URI:        uri,
		FullURI:    joinPrefix(frame.prefix, uri),
		Middleware: append([]string(nil), frame.middleware...),
		SourceFile: w.file,
	}

	if len(methodLink.args) > 1 {
		w.parseHandler(methodLink.args[1], &route)
	} else {
		route.HandlerType = types.HandlerUnknown
	}

	for _, link := range links {
		switch link.name {
		case "name":
			if len(link.args) > 0 {
				route.Name = w.stringValue(link.args[0])
			}
		case "middleware":
			route.Middleware = append(route.Middleware, w.middlewareValues(link.args)...)
		}
	}

	w.finish(&route, methodLink)
}

// handleResource expands resource/apiResource shorthands into their fixed
// route sets under the current frame.
func (w *routeWalker) handleResource(link chainLink) {
	if len(link.args) < 2 {
		return
	}
	name := w.stringValue(link.args[0])
	controller := w.classRef(link.args[1])
	apiOnly := link.name == "apiResource"

	frame := w.frame()
	for _, action := range resourceActions {
		if apiOnly && !action.apiRoute {
			continue
		}
		route := types.Route{
			Repo:        w.repo,
			Method:      action.method,
			URI:         "/" + name + action.uriSuffix,
			FullURI:     joinPrefix(frame.prefix, name+action.uriSuffix),
			Name:        name + "." + action.action,
			HandlerType: types.HandlerController,
			Controller:  controller,
			Action:      action.action,
			Middleware:  append([]string(nil), frame.middleware...),
			SourceFile:  w.file,
		}
		w.finish(&route, link)
	}
}

func (w *routeWalker) finish(route *types.Route, link chainLink) {
	if len(link.args) > 0 {
		route.StartLine = int(link.args[0].StartPoint().Row) + 1
	}
	route.ID = symbolID(w.file, "route", string(route.Method)+" "+route.FullURI+" "+route.Name, route.StartLine)
	w.routes = append(w.routes, *route)
}

// parseHandler classifies the second positional argument of a route call.
func (w *routeWalker) parseHandler(n *sitter.Node, route *types.Route) {
	switch n.Type() {
	case "array_creation_expression":
		elems := w.arrayElements(n)
		if len(elems) == 2 && elems[0].Type() == "class_constant_access_expression" {
			route.Controller = w.classRef(elems[0])
			route.Action = w.stringValue(elems[1])
			route.HandlerType = types.HandlerController
			return
		}
		route.HandlerType = types.HandlerUnknown

	case "class_constant_access_expression":
		route.Controller = w.classRef(n)
		route.Action = "__invoke"
		route.HandlerType = types.HandlerInvokable

	case "anonymous_function_creation_expression", "arrow_function":
		route.HandlerType = types.HandlerClosure

	default:
		route.HandlerType = types.HandlerUnknown
	}
}

// middlewareValues collects middleware names from a string or array argument.
func (w *routeWalker) middlewareValues(args []*sitter.Node) []string {
	var out []string
	for _, arg := range args {
		switch arg.Type() {
		case "array_creation_expression":
			for _, elem := range w.arrayElements(arg) {
				if v := w.stringValue(elem); v != "" {
					out = append(out, v)
				}
			}
		default:
			if v := w.stringValue(arg); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func (w *routeWalker) arrayElements(n *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "array_element_initializer" {
			if inner := child.NamedChild(0); inner != nil {
				out = append(out, inner)
			}
		}
	}
	return out
}

// stringValue extracts the literal value of a string node.
func (w *routeWalker) stringValue(n *sitter.Node) string {
	switch n.Type() {
	case "string", "encapsed_string":
		text := w.text(n)
		text = strings.Trim(text, "'\"")
		return text
	}
	return ""
}

// classRef extracts the class name from a Class::class constant access.
func (w *routeWalker) classRef(n *sitter.Node) string {
	if n.Type() != "class_constant_access_expression" {
		return ""
	}
	text := w.text(n)
	if idx := strings.Index(text, "::"); idx > 0 {
		return text[:idx]
	}
	return text
}

// joinPrefix composes an inherited prefix with a child segment: trim
// slashes on both sides; both non-empty joins with "/"; one non-empty gets
// a leading "/"; neither yields "/".
func joinPrefix(parent, child string) string {
	p := strings.Trim(parent, "/")
	c := strings.Trim(child, "/")
	switch {
	case p != "" && c != "":
		return "/" + p + "/" + c
	case p != "":
		return "/" + p
	case c != "":
		return "/" + c
	default:
		return "/"
	}
}
