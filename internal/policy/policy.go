// Package policy implements the forge core's policy scanner (spec §4.6):
// a rule-driven AST scan over generated Python skill source that
// unconditionally denies three categories of construct. Rules are data
// (config.PolicyConfig), not code, so operators can extend the list
// without a rebuild.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"forge/internal/config"
)

// Violation is one policy hit: which rule fired, at what line, and the
// offending source excerpt.
type Violation struct {
	Rule    string
	Line    int
	Excerpt string
}

// Scanner holds the compiled active rule set; each Scan call creates its
// own tree-sitter parser.
type Scanner struct {
	cfg        config.PolicyConfig
	secretRe   *regexp.Regexp
	forbidImps map[string]bool
	forbidCall map[string]bool
}

// New builds a Scanner from cfg. Returns an error if the configured
// secret-leak pattern does not compile.
func New(cfg config.PolicyConfig) (*Scanner, error) {
	re, err := regexp.Compile(cfg.SecretEnvPattern)
	if err != nil {
		return nil, fmt.Errorf("policy: compile secret_env_pattern: %w", err)
	}
	imps := make(map[string]bool, len(cfg.ForbiddenImports))
	for _, i := range cfg.ForbiddenImports {
		imps[i] = true
	}
	calls := make(map[string]bool, len(cfg.ForbiddenCalls))
	for _, c := range cfg.ForbiddenCalls {
		calls[c] = true
	}
	return &Scanner{cfg: cfg, secretRe: re, forbidImps: imps, forbidCall: calls}, nil
}

// Scan parses source as Python and returns every violation found. The
// gate is ok iff the returned slice is empty.
func (s *Scanner) Scan(source []byte) ([]Violation, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, fmt.Errorf("policy: parse source: %w", err)
	}
	defer tree.Close()

	var violations []Violation
	s.walk(tree.RootNode(), source, &violations)
	return violations, nil
}

func (s *Scanner) walk(n *sitter.Node, source []byte, out *[]Violation) {
	if n == nil {
		return
	}

	switch n.Type() {
	case "import_statement", "import_from_statement":
		s.checkImport(n, source, out)
	case "call":
		s.checkCall(n, source, out)
	}

	for i := 0; i < int(n.ChildCount()); i++ {
		s.walk(n.Child(i), source, out)
	}
}

func (s *Scanner) checkImport(n *sitter.Node, source []byte, out *[]Violation) {
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.Type() != "dotted_name" && child.Type() != "identifier" {
			continue
		}
		name := child.Content(source)
		root := strings.SplitN(name, ".", 2)[0]
		if s.forbidImps[root] {
			*out = append(*out, Violation{
				Rule:    "forbidden_module:" + root,
				Line:    int(n.StartPoint().Row) + 1,
				Excerpt: lineExcerpt(n, source),
			})
		}
	}
}

func (s *Scanner) checkCall(n *sitter.Node, source []byte, out *[]Violation) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	name := fn.Content(source)
	if s.forbidCall[name] {
		*out = append(*out, Violation{
			Rule:    "dynamic_eval:" + name,
			Line:    int(n.StartPoint().Row) + 1,
			Excerpt: lineExcerpt(n, source),
		})
		return
	}

	if name == "print" || strings.HasSuffix(name, ".info") || strings.HasSuffix(name, ".debug") ||
		strings.HasSuffix(name, ".warning") || strings.HasSuffix(name, ".error") {
		excerpt := lineExcerpt(n, source)
		if s.secretRe.MatchString(excerpt) {
			*out = append(*out, Violation{
				Rule:    "secret_leak",
				Line:    int(n.StartPoint().Row) + 1,
				Excerpt: excerpt,
			})
		}
	}
}

func lineExcerpt(n *sitter.Node, source []byte) string {
	start := n.StartByte()
	end := n.EndByte()
	if int(end) > len(source) {
		end = uint32(len(source))
	}
	return strings.TrimSpace(string(source[start:end]))
}
