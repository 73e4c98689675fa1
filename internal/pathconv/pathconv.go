// Package pathconv is the single source of naming truth for skill
// filesystem paths. Every other component (packet generation, the diff
// gate, verification, promotion) derives paths through this package
// rather than constructing them independently.
package pathconv

import (
	"fmt"
	"path"
	"regexp"
)

// Ext is the source file extension for generated skills. The build
// worker contract assumes Python skills (ruff/mypy/pytest gates).
const Ext = "py"

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidName reports whether name is a filesystem-safe lowercase
// identifier, per spec §3.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}

// Convention derives every path associated with one proposal name. All
// paths are relative to the canonical project root.
type Convention struct {
	SkillRoot string
	TestRoot  string
}

// New returns a Convention rooted at skillRoot/testRoot (e.g. "skills",
// "tests", as configured).
func New(skillRoot, testRoot string) Convention {
	return Convention{SkillRoot: skillRoot, TestRoot: testRoot}
}

// SkillSourcePath returns "<skill_root>/<name>.py".
func (c Convention) SkillSourcePath(name string) string {
	return path.Join(c.SkillRoot, fmt.Sprintf("%s.%s", name, Ext))
}

// TestPath returns "<test_root>/test_skill_<name>.py".
func (c Convention) TestPath(name string) string {
	return path.Join(c.TestRoot, fmt.Sprintf("test_skill_%s.%s", name, Ext))
}

// ModuleReference returns the dotted module path a runtime loader would
// import, derived from SkillSourcePath.
func (c Convention) ModuleReference(name string) string {
	pkg := path.Base(c.SkillRoot)
	return fmt.Sprintf("%s.%s", pkg, name)
}

// RequiredPaths returns the skill source and test paths that every build
// must produce, in that order.
func (c Convention) RequiredPaths(name string) (source, test string) {
	return c.SkillSourcePath(name), c.TestPath(name)
}
