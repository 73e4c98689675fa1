// Package invariant implements the forge core's invariant checker (spec
// §4.7): structural conformance, scope containment, extended safety, and
// the runtime import boundary. Structural and safety checks walk a
// tree-sitter AST of the generated skill source; scope containment is
// evaluated declaratively (internal/invariant/rules.go, via
// internal/mangle) with a plain-Go fallback.
package invariant

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"forge/internal/model"
)

// BaseClassName is the declared base every skill class must extend.
const BaseClassName = "Skill"

// Violation mirrors policy.Violation's shape; kept as its own type so
// the two packages stay independently usable.
type Violation struct {
	Rule    string
	Line    int
	Excerpt string
}

func parse(source []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, fmt.Errorf("invariant: parse source: %w", err)
	}
	return tree, nil
}

// CheckStructural enforces that the skill source defines exactly one
// public class extending BaseClassName with class-level name,
// side_effect_class, input_model, output_model attributes, and that
// side_effect_class matches the proposal's declared class.
func CheckStructural(source []byte, declaredSideEffect model.SideEffectClass) ([]Violation, error) {
	tree, err := parse(source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var classes []*sitter.Node
	collectClassDefs(tree.RootNode(), &classes)

	var publicClasses []*sitter.Node
	for _, c := range classes {
		name := classNameNode(c, source)
		if name != "" && !strings.HasPrefix(name, "_") {
			publicClasses = append(publicClasses, c)
		}
	}

	var violations []Violation
	if len(publicClasses) != 1 {
		violations = append(violations, Violation{
			Rule:    "structural:one_public_class",
			Line:    1,
			Excerpt: fmt.Sprintf("found %d public class definitions, want exactly 1", len(publicClasses)),
		})
		return violations, nil
	}

	class := publicClasses[0]
	if !extendsBase(class, source, BaseClassName) {
		violations = append(violations, Violation{
			Rule:    "structural:base_class",
			Line:    int(class.StartPoint().Row) + 1,
			Excerpt: fmt.Sprintf("class does not extend %s", BaseClassName),
		})
	}

	attrs := classAttrs(class, source)
	for _, required := range []string{"name", "side_effect_class", "input_model", "output_model"} {
		if _, ok := attrs[required]; !ok {
			violations = append(violations, Violation{
				Rule:    "structural:missing_attr:" + required,
				Line:    int(class.StartPoint().Row) + 1,
				Excerpt: fmt.Sprintf("class is missing required attribute %q", required),
			})
		}
	}

	if v, ok := attrs["side_effect_class"]; ok {
		declared := strings.Trim(v, `"'`)
		if declared != string(declaredSideEffect) {
			violations = append(violations, Violation{
				Rule:    "structural:side_effect_mismatch",
				Line:    int(class.StartPoint().Row) + 1,
				Excerpt: fmt.Sprintf("class declares side_effect_class=%s, proposal declares %s", declared, declaredSideEffect),
			})
		}
	}

	return violations, nil
}

// CheckExtendedSafety rejects dynamic-symbol-resolution calls
// (__import__, importlib.import_module) whether or not the policy
// scanner's configurable forbidden-call list also names them.
func CheckExtendedSafety(source []byte) ([]Violation, error) {
	tree, err := parse(source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var violations []Violation
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n == nil {
			return
		}
		if n.Type() == "call" {
			fn := n.ChildByFieldName("function")
			if fn != nil {
				name := fn.Content(source)
				if name == "__import__" || name == "importlib.import_module" {
					violations = append(violations, Violation{
						Rule:    "extended_safety:dynamic_import",
						Line:    int(n.StartPoint().Row) + 1,
						Excerpt: strings.TrimSpace(n.Content(source)),
					})
				}
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(tree.RootNode())
	return violations, nil
}

// CheckScopeContainment flags every path in changed that is not in
// allowlist. The changed list is supplied by the caller; this function
// does not derive it from the sandbox's version-control diff.
func CheckScopeContainment(changed, allowlist []string) []Violation {
	extra := scopeContainmentViolations(changed, allowlist)
	violations := make([]Violation, 0, len(extra))
	for _, path := range extra {
		violations = append(violations, Violation{
			Rule:    "scope_containment",
			Line:    0,
			Excerpt: path,
		})
	}
	return violations
}

// CheckRuntimeBoundary rejects optional runtime support files (an LLM
// client or config module the build was allowed to touch) that import
// from a governance package, preventing an adversarial skill from
// pulling ledger/policy/forge code into the runtime surface.
func CheckRuntimeBoundary(files map[string][]byte, governancePackages []string) ([]Violation, error) {
	var violations []Violation
	for path, content := range files {
		tree, err := parse(content)
		if err != nil {
			return nil, err
		}
		var imports []string
		collectImportNames(tree.RootNode(), content, &imports)
		tree.Close()

		for _, imp := range imports {
			for _, gov := range governancePackages {
				if imp == gov || strings.HasPrefix(imp, gov+".") {
					violations = append(violations, Violation{
						Rule:    "runtime_boundary",
						Line:    0,
						Excerpt: fmt.Sprintf("%s imports governance package %q", path, imp),
					})
				}
			}
		}
	}
	return violations, nil
}

func collectClassDefs(n *sitter.Node, out *[]*sitter.Node) {
	if n == nil {
		return
	}
	if n.Type() == "class_definition" {
		*out = append(*out, n)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectClassDefs(n.Child(i), out)
	}
}

func classNameNode(class *sitter.Node, source []byte) string {
	nameNode := class.ChildByFieldName("name")
	if nameNode == nil {
		return ""
	}
	return nameNode.Content(source)
}

func extendsBase(class *sitter.Node, source []byte, base string) bool {
	superclasses := class.ChildByFieldName("superclasses")
	if superclasses == nil {
		return false
	}
	for i := 0; i < int(superclasses.ChildCount()); i++ {
		child := superclasses.Child(i)
		if child.Content(source) == base {
			return true
		}
	}
	return false
}

// classAttrs collects direct `name = value` class-body assignments.
func classAttrs(class *sitter.Node, source []byte) map[string]string {
	attrs := make(map[string]string)
	body := class.ChildByFieldName("body")
	if body == nil {
		return attrs
	}
	for i := 0; i < int(body.ChildCount()); i++ {
		stmt := body.Child(i)
		if stmt.Type() != "expression_statement" {
			continue
		}
		for j := 0; j < int(stmt.ChildCount()); j++ {
			assign := stmt.Child(j)
			if assign.Type() != "assignment" {
				continue
			}
			left := assign.ChildByFieldName("left")
			right := assign.ChildByFieldName("right")
			if left == nil || right == nil {
				continue
			}
			attrs[left.Content(source)] = right.Content(source)
		}
	}
	return attrs
}

func collectImportNames(n *sitter.Node, source []byte, out *[]string) {
	if n == nil {
		return
	}
	if n.Type() == "import_statement" || n.Type() == "import_from_statement" {
		for i := 0; i < int(n.ChildCount()); i++ {
			child := n.Child(i)
			if child.Type() == "dotted_name" || child.Type() == "identifier" {
				*out = append(*out, child.Content(source))
			}
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectImportNames(n.Child(i), source, out)
	}
}
