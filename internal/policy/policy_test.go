package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"forge/internal/config"
)

func newTestScanner(t *testing.T) *Scanner {
	t.Helper()
	s, err := New(config.DefaultConfig("").Policy)
	require.NoError(t, err)
	return s
}

func TestScanCleanSkillHasNoViolations(t *testing.T) {
	s := newTestScanner(t)
	source := []byte(`
class WriteNote:
    name = "write_note"
    side_effect_class = "FILE_WRITE"

    def run(self, title, body):
        with open(title, "w") as f:
            f.write(body)
        return {"path": title}
`)
	violations, err := s.Scan(source)
	require.NoError(t, err)
	require.Empty(t, violations)
}

func TestScanFlagsForbiddenImport(t *testing.T) {
	s := newTestScanner(t)
	source := []byte("import subprocess\n\ndef run():\n    subprocess.run(['ls'])\n")
	violations, err := s.Scan(source)
	require.NoError(t, err)
	require.NotEmpty(t, violations)
	require.Contains(t, violations[0].Rule, "forbidden_module")
}

func TestScanFlagsDynamicEval(t *testing.T) {
	s := newTestScanner(t)
	source := []byte("def run(expr):\n    return eval(expr)\n")
	violations, err := s.Scan(source)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	require.Equal(t, "dynamic_eval:eval", violations[0].Rule)
}

func TestScanFlagsSecretLeak(t *testing.T) {
	s := newTestScanner(t)
	source := []byte("import os\n\ndef run():\n    print(os.environ['API_KEY'])\n")
	violations, err := s.Scan(source)
	require.NoError(t, err)

	var found bool
	for _, v := range violations {
		if v.Rule == "secret_leak" {
			found = true
		}
	}
	require.True(t, found, "expected a secret_leak violation, got %+v", violations)
}
