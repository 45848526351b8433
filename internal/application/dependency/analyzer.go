// Package dependency implements static dependency analysis over notebook
// cells: symbol extraction from Python source, the cell-level dependency
// graph with duplicate and cycle detection, and execution planning.
package dependency

import (
	"context"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// SymbolSet is a set of bare identifiers.
type SymbolSet map[string]bool

// Contains reports whether the set contains name.
func (s SymbolSet) Contains(name string) bool {
	return s[name]
}

// Names returns the set's members in unspecified order.
func (s SymbolSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return names
}

// Analyzer extracts defined and used symbol sets from Python cell source.
//
// Each Extract call creates its own tree-sitter parser instance, so an
// Analyzer is safe for concurrent use. The builtin exclusion set defaults
// to a vendored CPython snapshot and can be replaced with the worker
// runtime's own list via SetBuiltins.
type Analyzer struct {
	mu       sync.RWMutex
	builtins map[string]bool
}

// NewAnalyzer creates an analyzer with the default builtin set.
func NewAnalyzer() *Analyzer {
	return &Analyzer{builtins: defaultBuiltins()}
}

// SetBuiltins replaces the builtin exclusion set. Called by the notebook
// manager once the worker reports its runtime builtins.
func (a *Analyzer) SetBuiltins(names []string) {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	a.mu.Lock()
	a.builtins = set
	a.mu.Unlock()
}

func (a *Analyzer) isBuiltin(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.builtins[name]
}

// Extract returns the (defined, used) symbol sets for the given source.
//
// Source that fails to parse yields two empty sets: a syntactically broken
// cell participates in no dependencies, which keeps the graph stable while
// the user is mid-keystroke.
func (a *Analyzer) Extract(source string) (SymbolSet, SymbolSet) {
	defined := SymbolSet{}
	used := SymbolSet{}

	src := []byte(source)
	if len(strings.TrimSpace(source)) == 0 {
		return defined, used
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return defined, used
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return defined, used
	}

	w := &symbolWalker{src: src, defined: map[string]bool{}, used: map[string]bool{}}
	w.collectDefined(root)
	w.collectUsed(root)

	for name := range w.defined {
		if strings.HasPrefix(name, "_") {
			continue
		}
		defined[name] = true
	}
	for name := range w.used {
		if strings.HasPrefix(name, "_") || a.isBuiltin(name) {
			continue
		}
		used[name] = true
	}

	return defined, used
}

// symbolWalker accumulates raw symbol sets over one parse tree. Filtering
// (private names, builtins) happens after collection.
type symbolWalker struct {
	src     []byte
	defined map[string]bool
	used    map[string]bool
}

func (w *symbolWalker) content(n *sitter.Node) string {
	return n.Content(w.src)
}

// collectDefined walks the whole tree and records every binding the cell
// introduces. Like the worker runtime it does not distinguish scopes: a
// name assigned inside a function body counts as defined by the cell.
// Comprehension binders (for_in_clause) are the deliberate exception.
func (w *symbolWalker) collectDefined(n *sitter.Node) {
	switch n.Type() {
	case "assignment", "augmented_assignment":
		if left := n.ChildByFieldName("left"); left != nil {
			w.bindTargetNames(left)
		}

	case "function_definition", "class_definition":
		if name := n.ChildByFieldName("name"); name != nil {
			w.defined[w.content(name)] = true
		}

	case "for_statement":
		if left := n.ChildByFieldName("left"); left != nil {
			w.bindTargetNames(left)
		}

	case "with_item":
		// with expr as X: only the with-item alias binds; an `except ... as`
		// name is scoped to its handler and deliberately not collected
		if value := n.ChildByFieldName("value"); value != nil {
			if value.Type() == "as_pattern" {
				if alias := value.ChildByFieldName("alias"); alias != nil {
					w.bindTargetNames(alias)
				}
				if value.NamedChildCount() > 0 {
					w.collectDefined(value.NamedChild(0))
				}
			} else {
				w.collectDefined(value)
			}
		}
		return

	case "import_statement":
		w.collectImportNames(n)
		return

	case "import_from_statement":
		w.collectFromImportNames(n)
		return

	case "for_in_clause":
		// Comprehension-local binding: skip the target, still walk the
		// iterable. Named expressions (walrus) are not collected as
		// definitions anywhere in the walk.
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if left := n.ChildByFieldName("left"); left != nil && sameNode(child, left) {
				continue
			}
			w.collectDefined(child)
		}
		return
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.collectDefined(n.NamedChild(i))
	}
}

// bindTargetNames records simple names bound by an assignment-like target,
// recursing through tuple/list destructuring and starred targets. Attribute
// and subscript targets bind nothing.
func (w *symbolWalker) bindTargetNames(n *sitter.Node) {
	switch n.Type() {
	case "identifier", "as_pattern_target":
		name := w.content(n)
		if n.Type() == "as_pattern_target" {
			// as_pattern_target wraps the actual target node
			if n.NamedChildCount() > 0 {
				w.bindTargetNames(n.NamedChild(0))
				return
			}
		}
		w.defined[name] = true

	case "pattern_list", "tuple_pattern", "list_pattern", "expression_list",
		"list_splat_pattern", "parenthesized_expression":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.bindTargetNames(n.NamedChild(i))
		}
	}
}

// collectImportNames handles `import a.b, c as d`: the first dotted segment
// or the alias becomes a defined name.
func (w *symbolWalker) collectImportNames(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			if first := firstIdentifier(child); first != nil {
				w.defined[w.content(first)] = true
			}
		case "aliased_import":
			if alias := child.ChildByFieldName("alias"); alias != nil {
				w.defined[w.content(alias)] = true
			}
		}
	}
}

// collectFromImportNames handles `from m import a, b as c`: each imported
// name or its alias is defined; wildcard imports contribute nothing.
func (w *symbolWalker) collectFromImportNames(n *sitter.Node) {
	module := n.ChildByFieldName("module_name")
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if module != nil && sameNode(child, module) {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			if first := firstIdentifier(child); first != nil {
				w.defined[w.content(first)] = true
			}
		case "aliased_import":
			if alias := child.ChildByFieldName("alias"); alias != nil {
				w.defined[w.content(alias)] = true
			}
		}
	}
}

// sameNode reports whether two handles refer to the same parse-tree node.
func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

func firstIdentifier(n *sitter.Node) *sitter.Node {
	if n.Type() == "identifier" {
		return n
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if found := firstIdentifier(n.NamedChild(i)); found != nil {
			return found
		}
	}
	return nil
}

// collectUsed walks the tree recording identifiers in read position only.
// Binding positions (assignment targets, parameter names, import names,
// aliases, keyword-argument names, attribute members) are skipped; reads
// nested inside them (subscript indexes, attribute objects) still count.
func (w *symbolWalker) collectUsed(n *sitter.Node) {
	switch n.Type() {
	case "identifier":
		w.used[w.content(n)] = true

	case "assignment", "augmented_assignment":
		if left := n.ChildByFieldName("left"); left != nil {
			w.usesInTarget(left)
		}
		if typ := n.ChildByFieldName("type"); typ != nil {
			w.collectUsed(typ)
		}
		if right := n.ChildByFieldName("right"); right != nil {
			w.collectUsed(right)
		}

	case "for_statement", "for_in_clause":
		left := n.ChildByFieldName("left")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if left != nil && sameNode(child, left) {
				w.usesInTarget(child)
				continue
			}
			w.collectUsed(child)
		}

	case "as_pattern":
		// Walk the value, skip the alias target
		alias := n.ChildByFieldName("alias")
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if alias != nil && sameNode(child, alias) {
				continue
			}
			w.collectUsed(child)
		}

	case "named_expression":
		if value := n.ChildByFieldName("value"); value != nil {
			w.collectUsed(value)
		}

	case "keyword_argument":
		if value := n.ChildByFieldName("value"); value != nil {
			w.collectUsed(value)
		}

	case "attribute":
		if object := n.ChildByFieldName("object"); object != nil {
			w.collectUsed(object)
		}

	case "function_definition":
		if params := n.ChildByFieldName("parameters"); params != nil {
			w.usesInParameters(params)
		}
		if ret := n.ChildByFieldName("return_type"); ret != nil {
			w.collectUsed(ret)
		}
		if body := n.ChildByFieldName("body"); body != nil {
			w.collectUsed(body)
		}

	case "lambda":
		if params := n.ChildByFieldName("parameters"); params != nil {
			w.usesInParameters(params)
		}
		if body := n.ChildByFieldName("body"); body != nil {
			w.collectUsed(body)
		}

	case "class_definition":
		if supers := n.ChildByFieldName("superclasses"); supers != nil {
			w.collectUsed(supers)
		}
		if body := n.ChildByFieldName("body"); body != nil {
			w.collectUsed(body)
		}

	case "import_statement", "import_from_statement",
		"global_statement", "nonlocal_statement":
		return

	case "del_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.usesInTarget(n.NamedChild(i))
		}

	default:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.collectUsed(n.NamedChild(i))
		}
	}
}

// usesInTarget collects reads hidden inside a store target: `a[i] = x`
// reads a and i, `obj.attr = x` reads obj, while the bare names being
// bound are not reads.
func (w *symbolWalker) usesInTarget(n *sitter.Node) {
	switch n.Type() {
	case "identifier":
		return // bare store target

	case "pattern_list", "tuple_pattern", "list_pattern", "expression_list",
		"list_splat_pattern", "parenthesized_expression", "as_pattern_target":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.usesInTarget(n.NamedChild(i))
		}

	case "subscript":
		if value := n.ChildByFieldName("value"); value != nil {
			w.collectUsed(value)
		}
		if sub := n.ChildByFieldName("subscript"); sub != nil {
			w.collectUsed(sub)
		}

	case "attribute":
		if object := n.ChildByFieldName("object"); object != nil {
			w.collectUsed(object)
		}

	default:
		w.collectUsed(n)
	}
}

// usesInParameters collects reads from default values and annotations while
// skipping the parameter names themselves.
func (w *symbolWalker) usesInParameters(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		param := n.NamedChild(i)
		switch param.Type() {
		case "identifier":
			// plain parameter name
		case "default_parameter", "typed_default_parameter":
			if typ := param.ChildByFieldName("type"); typ != nil {
				w.collectUsed(typ)
			}
			if value := param.ChildByFieldName("value"); value != nil {
				w.collectUsed(value)
			}
		case "typed_parameter":
			if typ := param.ChildByFieldName("type"); typ != nil {
				w.collectUsed(typ)
			}
		case "list_splat_pattern", "dictionary_splat_pattern":
			// *args / **kwargs
		default:
			w.collectUsed(param)
		}
	}
}
