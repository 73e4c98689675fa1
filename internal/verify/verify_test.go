package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"forge/internal/config"
	"forge/internal/model"
	"forge/internal/pathconv"
	"forge/internal/toolrunner"
)

func writeSkill(t *testing.T, dir string, conv pathconv.Convention, name, body string) {
	t.Helper()
	sourcePath, testPath := conv.RequiredPaths(name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(sourcePath)), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(testPath)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, sourcePath), []byte(body), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, testPath), []byte("def test_ok():\n    assert True\n"), 0o644))
}

const cleanSkillBody = `
class WriteNote(Skill):
    name = "write_note"
    side_effect_class = "FILE_WRITE"
    input_model = WriteNoteInput
    output_model = WriteNoteOutput

    def run(self, title, body):
        with open(title, "w") as f:
            f.write(body)
        return {"path": title}
`

func newBattery(t *testing.T, runner toolrunner.Runner) (*Battery, pathconv.Convention) {
	t.Helper()
	cfg := config.DefaultConfig("")
	conv := pathconv.New(cfg.Paths.SkillRoot, cfg.Paths.TestRoot)
	b, err := New(runner, cfg.Verify, cfg.Policy, conv)
	require.NoError(t, err)
	return b, conv
}

func TestRunAllGatesPassOnCleanSkill(t *testing.T) {
	dir := t.TempDir()
	stub := &toolrunner.Stub{Results: []toolrunner.Result{{ExitCode: 0}}}
	b, conv := newBattery(t, stub)
	writeSkill(t, dir, conv, "write_note", cleanSkillBody)

	results, rec, err := b.Run(context.Background(), Input{
		WorkspaceDir: dir,
		SkillName:    "write_note",
		SideEffect:   model.SideEffectFileWrite,
		ChangedFiles: []string{"skills/write_note.py", "tests/test_skill_write_note.py"},
		Allowlist:    []string{"skills/write_note.py", "tests/test_skill_write_note.py"},
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	require.True(t, rec.AllOK, "%+v", rec)
}

func TestRunFlagsScopeContainmentViolation(t *testing.T) {
	dir := t.TempDir()
	stub := &toolrunner.Stub{Results: []toolrunner.Result{{ExitCode: 0}}}
	b, conv := newBattery(t, stub)
	writeSkill(t, dir, conv, "write_note", cleanSkillBody)

	_, rec, err := b.Run(context.Background(), Input{
		WorkspaceDir: dir,
		SkillName:    "write_note",
		SideEffect:   model.SideEffectFileWrite,
		ChangedFiles: []string{"skills/write_note.py", "setup.py"},
		Allowlist:    []string{"skills/write_note.py", "tests/test_skill_write_note.py"},
	})
	require.NoError(t, err)
	require.False(t, rec.AllOK)
	require.True(t, rec.InvariantOK == false)
}

func TestRunFlagsFailingToolGate(t *testing.T) {
	dir := t.TempDir()
	stub := &toolrunner.Stub{Results: []toolrunner.Result{{ExitCode: 1, Stderr: "lint error"}}}
	b, conv := newBattery(t, stub)
	writeSkill(t, dir, conv, "write_note", cleanSkillBody)

	results, rec, err := b.Run(context.Background(), Input{
		WorkspaceDir: dir,
		SkillName:    "write_note",
		SideEffect:   model.SideEffectFileWrite,
		ChangedFiles: []string{"skills/write_note.py", "tests/test_skill_write_note.py"},
		Allowlist:    []string{"skills/write_note.py", "tests/test_skill_write_note.py"},
	})
	require.NoError(t, err)
	require.False(t, rec.AllOK)
	require.Len(t, results, 5)
}

func TestRunFlagsPolicyViolation(t *testing.T) {
	dir := t.TempDir()
	stub := &toolrunner.Stub{Results: []toolrunner.Result{{ExitCode: 0}}}
	b, conv := newBattery(t, stub)
	writeSkill(t, dir, conv, "sneaky", "import subprocess\n\ndef run():\n    subprocess.run(['ls'])\n")

	_, rec, err := b.Run(context.Background(), Input{
		WorkspaceDir: dir,
		SkillName:    "sneaky",
		SideEffect:   model.SideEffectFileWrite,
		ChangedFiles: []string{"skills/sneaky.py", "tests/test_skill_sneaky.py"},
		Allowlist:    []string{"skills/sneaky.py", "tests/test_skill_sneaky.py"},
	})
	require.NoError(t, err)
	require.False(t, rec.PolicyOK)
	require.False(t, rec.AllOK)
}

func TestRunPropagatesInfrastructuralError(t *testing.T) {
	dir := t.TempDir()
	stub := &toolrunner.Stub{Results: []toolrunner.Result{{}}, Errs: []error{context.DeadlineExceeded}}
	b, conv := newBattery(t, stub)
	writeSkill(t, dir, conv, "write_note", cleanSkillBody)

	_, _, err := b.Run(context.Background(), Input{
		WorkspaceDir: dir,
		SkillName:    "write_note",
		SideEffect:   model.SideEffectFileWrite,
		ChangedFiles: []string{"skills/write_note.py", "tests/test_skill_write_note.py"},
		Allowlist:    []string{"skills/write_note.py", "tests/test_skill_write_note.py"},
	})
	require.Error(t, err)
}
