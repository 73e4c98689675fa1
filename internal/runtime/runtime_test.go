package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forge/internal/config"
	"forge/internal/model"
	"forge/internal/pathconv"
	"forge/internal/registry"
	"forge/internal/toolrunner"
)

func newLoader(t *testing.T, runner toolrunner.Runner) (*Loader, *registry.Registry, string) {
	t.Helper()
	root := t.TempDir()
	conv := pathconv.New("skills", "tests")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "skills"), 0o755))

	reg, err := registry.Open(filepath.Join(root, "registry.yaml"))
	require.NoError(t, err)

	cfg := config.RuntimeConfig{InterpreterBinary: "forge-skill-runner", RunTimeout: 5 * time.Second}
	scratch := t.TempDir()
	l := New(reg, runner, cfg, conv, root, scratch)
	return l, reg, root
}

func promoteSkill(t *testing.T, reg *registry.Registry, root string, name string) {
	t.Helper()
	conv := pathconv.New("skills", "tests")
	source := []byte("class WriteNote(Skill):\n    name = \"write_note\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, conv.SkillSourcePath(name)), source, 0o644))
	require.NoError(t, reg.Promote(model.RegistryEntry{
		Name:            name,
		Module:          conv.ModuleReference(name),
		SideEffectClass: model.SideEffectFileWrite,
	}, source))
}

func TestRunFailsAtLoadOnUnknownSkill(t *testing.T) {
	l, _, _ := newLoader(t, &toolrunner.Stub{})
	result := l.Run(context.Background(), "nonexistent", map[string]any{})
	require.False(t, result.Success)
	require.Equal(t, model.StageLoad, result.Stage)
}

func TestRunFailsAtLoadOnHashMismatch(t *testing.T) {
	l, reg, root := newLoader(t, &toolrunner.Stub{})
	promoteSkill(t, reg, root, "write_note")

	conv := pathconv.New("skills", "tests")
	require.NoError(t, os.WriteFile(filepath.Join(root, conv.SkillSourcePath("write_note")), []byte("tampered"), 0o644))

	result := l.Run(context.Background(), "write_note", map[string]any{"text": "hi"})
	require.False(t, result.Success)
	require.Equal(t, model.StageLoad, result.Stage)
}

func TestRunFailsAtInputValidationOnSchemaMismatch(t *testing.T) {
	stub := &toolrunner.Stub{Results: []toolrunner.Result{
		{ExitCode: 0, Stdout: `{"input_schema": {"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}}`},
	}}
	l, reg, root := newLoader(t, stub)
	promoteSkill(t, reg, root, "write_note")

	result := l.Run(context.Background(), "write_note", map[string]any{"wrong_field": 1})
	require.False(t, result.Success)
	require.Equal(t, model.StageInputValidation, result.Stage)
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	stub := &toolrunner.Stub{Results: []toolrunner.Result{
		{ExitCode: 0, Stdout: `{"input_schema": {"type":"object"}, "output_schema": {"type":"object"}}`},
		{ExitCode: 0, Stdout: `{"output": {"status": "ok"}}`},
	}}
	l, reg, root := newLoader(t, stub)
	promoteSkill(t, reg, root, "write_note")

	result := l.Run(context.Background(), "write_note", map[string]any{"text": "hi"})
	require.True(t, result.Success)
	require.Equal(t, "ok", result.Output["status"])
	require.Equal(t, model.SideEffectFileWrite, result.SideEffectClass)
}

func TestRunFailsAtExecutionOnWorkerError(t *testing.T) {
	stub := &toolrunner.Stub{Results: []toolrunner.Result{
		{ExitCode: 0, Stdout: `{"input_schema": {"type":"object"}, "output_schema": {"type":"object"}}`},
		{ExitCode: 0, Stdout: `{"error": "disk full"}`},
	}}
	l, reg, root := newLoader(t, stub)
	promoteSkill(t, reg, root, "write_note")

	result := l.Run(context.Background(), "write_note", map[string]any{})
	require.False(t, result.Success)
	require.Equal(t, model.StageExecution, result.Stage)
	require.Contains(t, result.Error, "disk full")
}

func TestRunFailsAtOutputValidationOnSchemaMismatch(t *testing.T) {
	stub := &toolrunner.Stub{Results: []toolrunner.Result{
		{ExitCode: 0, Stdout: `{"input_schema": {"type":"object"}, "output_schema": {"type":"object","required":["status"]}}`},
		{ExitCode: 0, Stdout: `{"output": {"unrelated": true}}`},
	}}
	l, reg, root := newLoader(t, stub)
	promoteSkill(t, reg, root, "write_note")

	result := l.Run(context.Background(), "write_note", map[string]any{})
	require.False(t, result.Success)
	require.Equal(t, model.StageOutputValidation, result.Stage)
}

func TestRunAllowsLegacyEntryWithNoHash(t *testing.T) {
	stub := &toolrunner.Stub{Results: []toolrunner.Result{
		{ExitCode: 0, Stdout: `{"input_schema": {"type":"object"}, "output_schema": {"type":"object"}}`},
		{ExitCode: 0, Stdout: `{"output": {}}`},
	}}
	l, reg, root := newLoader(t, stub)
	conv := pathconv.New("skills", "tests")
	source := []byte("class WriteNote(Skill): pass\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, conv.SkillSourcePath("write_note")), source, 0o644))
	require.NoError(t, reg.Promote(model.RegistryEntry{Name: "write_note", Module: conv.ModuleReference("write_note")}, source))
	// Simulate a legacy entry by rewriting the file with no hash field.
	require.NoError(t, os.WriteFile(filepath.Join(root, "registry.yaml"), []byte("skills:\n  write_note:\n    name: write_note\n    module: skills.write_note\n"), 0o644))

	result := l.Run(context.Background(), "write_note", map[string]any{})
	require.True(t, result.Success)
}
