// Package sandbox implements the sandbox builder (spec §4.4): prepare a
// throwaway workspace, invoke the build worker inside it, gate its diff
// against an allowlist, and copy the allowed changes back to the
// canonical project root. Every subprocess call — git, the worker
// binary — goes through the injected toolrunner.Runner.
package sandbox

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"forge/internal/config"
	"forge/internal/forgeerr"
	"forge/internal/logging"
	"forge/internal/pathconv"
	"forge/internal/toolrunner"
)

const packetFileName = ".forge-packet.txt"

var excludedDirNames = map[string]bool{
	".git": true, ".hg": true, ".svn": true,
	"__pycache__": true, ".venv": true, "venv": true, "node_modules": true,
	".pytest_cache": true, ".mypy_cache": true, ".ruff_cache": true,
	"dist": true, "build": true, ".cache": true,
}

var secretAndBuildArtifactPatterns = []string{
	".env", "*.pem", "*.key", "credentials.*", "*.db", "*.sqlite", "*.sqlite3",
}

// Builder runs the four phases of one build's sandbox lifecycle.
type Builder struct {
	Runner     toolrunner.Runner
	Cfg        config.SandboxConfig
	Convention pathconv.Convention
}

// New constructs a Builder.
func New(runner toolrunner.Runner, cfg config.SandboxConfig, conv pathconv.Convention) *Builder {
	return &Builder{Runner: runner, Cfg: cfg, Convention: conv}
}

// Workspace is the fresh, version-controlled copy of the canonical tree
// a single build runs against.
type Workspace struct {
	Dir         string
	BaselineRef string
}

// Prepare copies sourceRoot into a fresh workspace under
// <scratchRoot>/<buildID>/repo and commits a baseline so subsequent
// diffs start from a known-empty delta.
func (b *Builder) Prepare(ctx context.Context, sourceRoot, scratchRoot, buildID string) (*Workspace, error) {
	log := logging.Get(logging.CategorySandbox)

	dir := filepath.Join(scratchRoot, buildID, "repo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "sandbox: create workspace dir: %v", err)
	}

	if err := copyTree(sourceRoot, dir); err != nil {
		return nil, err
	}

	baseline := [][]string{
		{"git", "init", "-q"},
		{"git", "config", "user.email", "forge@local"},
		{"git", "config", "user.name", "forge"},
		{"git", "add", "-A"},
		{"git", "commit", "-q", "--allow-empty", "-m", "baseline"},
	}
	for _, cmd := range baseline {
		res, err := b.Runner.Run(ctx, dir, cmd, 30*time.Second)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.ErrToolFailure, "sandbox: %v: %v", cmd, err)
		}
		if !res.OK() {
			return nil, forgeerr.Wrap(forgeerr.ErrToolFailure, "sandbox: %v exited non-zero: %s", cmd, res.Combined())
		}
	}

	log.Info("prepared workspace %s from %s", dir, sourceRoot)
	return &Workspace{Dir: dir, BaselineRef: "HEAD"}, nil
}

// Invoke writes packet to a file inside the workspace and spawns the
// build worker with it as its last argument. The worker's own
// allow-listed capability flags live in Cfg.WorkerArgs; this package
// never enables a general-purpose shell tool for the worker.
func (b *Builder) Invoke(ctx context.Context, ws *Workspace, packet string) (toolrunner.Result, error) {
	packetPath := filepath.Join(ws.Dir, packetFileName)
	if err := os.WriteFile(packetPath, []byte(packet), 0o600); err != nil {
		return toolrunner.Result{}, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "sandbox: write packet: %v", err)
	}
	defer os.Remove(packetPath)

	command := append([]string{b.Cfg.WorkerBinary}, b.Cfg.WorkerArgs...)
	command = append(command, packetFileName)

	result, err := b.Runner.Run(ctx, ws.Dir, command, b.Cfg.BuildTimeout)
	if err != nil && !forgeerr.Is(err, forgeerr.ErrTimeout) {
		return result, err
	}
	return result, nil
}

// Gate recomputes the set of files the worker touched — tracked changes
// via `git diff --name-only` against the baseline, new files via
// `git ls-files --others` — and enforces that the union is a subset of
// the allowlist and that both required skill paths are present.
func (b *Builder) Gate(ctx context.Context, ws *Workspace, skillName string, optionalAllowlist []string) ([]string, error) {
	log := logging.Get(logging.CategorySandbox)

	changedRes, err := b.Runner.Run(ctx, ws.Dir, []string{"git", "diff", "--name-only", ws.BaselineRef}, 30*time.Second)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrToolFailure, "sandbox: git diff: %v", err)
	}
	untrackedRes, err := b.Runner.Run(ctx, ws.Dir, []string{"git", "ls-files", "--others", "--exclude-standard"}, 30*time.Second)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrToolFailure, "sandbox: git ls-files: %v", err)
	}

	changed := dedupeSorted(append(splitNonEmptyLines(changedRes.Stdout), splitNonEmptyLines(untrackedRes.Stdout)...))

	sourcePath, testPath := b.Convention.RequiredPaths(skillName)
	allowlist := append([]string{sourcePath, testPath}, optionalAllowlist...)
	allowed := make(map[string]bool, len(allowlist))
	for _, p := range allowlist {
		allowed[p] = true
	}

	var offending []string
	for _, c := range changed {
		if !allowed[c] {
			offending = append(offending, c)
		}
	}
	if len(offending) > 0 {
		log.Warn("gate violation, offending paths: %v", offending)
		return changed, forgeerr.Wrap(forgeerr.ErrGateViolation, "files outside allowlist: %v", offending)
	}

	required := map[string]bool{sourcePath: false, testPath: false}
	for _, c := range changed {
		if _, ok := required[c]; ok {
			required[c] = true
		}
	}
	for path, present := range required {
		if !present {
			return changed, forgeerr.Wrap(forgeerr.ErrGateViolation, "required path missing: %s", path)
		}
	}

	return changed, nil
}

// CopyBack writes each changed file from the workspace into
// canonicalRoot, atomically and only after rejecting symlinks and
// out-of-root paths.
func (b *Builder) CopyBack(canonicalRoot string, ws *Workspace, changed []string) error {
	absRoot, err := filepath.Abs(canonicalRoot)
	if err != nil {
		return forgeerr.Wrap(forgeerr.ErrInvalidInput, "sandbox: resolve canonical root: %v", err)
	}

	for _, rel := range changed {
		if err := validateRelPath(rel); err != nil {
			return err
		}

		srcPath := filepath.Join(ws.Dir, rel)
		info, err := os.Lstat(srcPath)
		if err != nil {
			return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "sandbox: stat %s: %v", rel, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return forgeerr.Wrap(forgeerr.ErrGateViolation, "sandbox: %s is a symlink, refusing copy-back", rel)
		}

		data, err := os.ReadFile(srcPath)
		if err != nil {
			return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "sandbox: read %s: %v", rel, err)
		}

		dstPath := filepath.Join(canonicalRoot, rel)
		absDst, err := filepath.Abs(dstPath)
		if err != nil {
			return forgeerr.Wrap(forgeerr.ErrInvalidInput, "sandbox: resolve destination: %v", err)
		}
		if absDst != absRoot && !strings.HasPrefix(absDst, absRoot+string(os.PathSeparator)) {
			return forgeerr.Wrap(forgeerr.ErrGateViolation, "sandbox: %s escapes canonical root", rel)
		}

		if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
			return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "sandbox: mkdir for %s: %v", rel, err)
		}
		if err := atomicWrite(dstPath, data, info.Mode().Perm()&^0o022); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup removes the build's scratch directory unless retention on
// failure is configured and the build did not succeed.
func (b *Builder) Cleanup(ws *Workspace, success bool) error {
	if success || !b.Cfg.RetainOnFailure {
		return os.RemoveAll(filepath.Dir(ws.Dir))
	}
	return nil
}

func validateRelPath(rel string) error {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return forgeerr.Wrap(forgeerr.ErrGateViolation, "sandbox: invalid path %q", rel)
	}
	if filepath.IsAbs(rel) {
		return forgeerr.Wrap(forgeerr.ErrGateViolation, "sandbox: absolute path not allowed: %s", rel)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return forgeerr.Wrap(forgeerr.ErrGateViolation, "sandbox: path traversal in %q", rel)
		}
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp-forge"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "sandbox: write temp for %s: %v", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "sandbox: rename into %s: %v", path, err)
	}
	return nil
}

// copyTree deterministically copies src into dst, excluding VCS
// metadata, caches, secret-pattern files, and non-regular files
// (sockets, FIFOs, devices). Symlinks pointing outside src are not
// followed; symlinks pointing within src are copied as regular files
// holding the target's content.
func copyTree(src, dst string) error {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return forgeerr.Wrap(forgeerr.ErrInvalidInput, "sandbox: resolve source root: %v", err)
	}

	return filepath.WalkDir(absSrc, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(absSrc, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if excludedDirNames[d.Name()] {
				return filepath.SkipDir
			}
			info, statErr := d.Info()
			if statErr != nil {
				return statErr
			}
			return os.MkdirAll(filepath.Join(dst, rel), info.Mode().Perm()&^0o022)
		}

		if matchesAnyPattern(d.Name(), secretAndBuildArtifactPatterns) {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return copySymlinkTarget(absSrc, path, dst, rel, info)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		return os.WriteFile(filepath.Join(dst, rel), data, info.Mode().Perm()&^0o022)
	})
}

func copySymlinkTarget(absSrc, path, dst, rel string, info fs.FileInfo) error {
	target, err := os.Readlink(path)
	if err != nil {
		return nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return nil
	}
	relTarget, err := filepath.Rel(absSrc, absTarget)
	if err != nil || strings.HasPrefix(relTarget, "..") {
		return nil // refuse to follow symlinks outside the source root
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return os.WriteFile(filepath.Join(dst, rel), data, info.Mode().Perm()&^0o022)
}

func matchesAnyPattern(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func dedupeSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
