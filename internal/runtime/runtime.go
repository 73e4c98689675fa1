// Package runtime implements the runtime loader (spec §4.11): the only
// path by which a trusted skill ever executes. It looks the skill up in
// the registry, re-verifies its hash, loads it by reference in an
// external interpreter, validates input and output against the
// declared schemas, and returns a structured record distinguishing a
// load/validation failure from an execution failure.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"forge/internal/config"
	"forge/internal/forgeerr"
	"forge/internal/logging"
	"forge/internal/model"
	"forge/internal/pathconv"
	"forge/internal/registry"
	"forge/internal/toolrunner"
)

// Loader is the single entry point skills are ever executed through.
type Loader struct {
	Registry      *registry.Registry
	Runner        toolrunner.Runner
	Cfg           config.RuntimeConfig
	Convention    pathconv.Convention
	CanonicalRoot string
	ScratchRoot   string
}

// New builds a Loader. canonicalRoot is the project root containing the
// skill and test directories named by conv; the external interpreter is
// invoked with canonicalRoot as its working directory so the declared
// module reference resolves.
func New(reg *registry.Registry, runner toolrunner.Runner, cfg config.RuntimeConfig, conv pathconv.Convention, canonicalRoot, scratchRoot string) *Loader {
	return &Loader{Registry: reg, Runner: runner, Cfg: cfg, Convention: conv, CanonicalRoot: canonicalRoot, ScratchRoot: scratchRoot}
}

// describeResult is the external interpreter's "describe" response: the
// declared input/output schemas for a skill class, discovered by
// importing the module without executing it.
type describeResult struct {
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Error        string          `json:"error"`
}

// executeResult is the external interpreter's "execute" response.
type executeResult struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Run executes name with input, following the seven steps of the
// runtime loader. The returned RunResult always carries a Stage so a
// caller can tell why a failed run failed.
func (l *Loader) Run(ctx context.Context, name string, input map[string]any) model.RunResult {
	log := logging.Get(logging.CategoryRuntime)
	result := model.RunResult{Name: name, Input: input, StartedAt: l.now()}

	entry, err := l.Registry.Lookup(name)
	if err != nil {
		return l.fail(result, model.StageLoad, fmt.Errorf("lookup: %w", err))
	}
	result.SourceHash = entry.Hash
	result.SideEffectClass = entry.SideEffectClass

	sourcePath := filepath.Join(l.CanonicalRoot, l.Convention.SkillSourcePath(entry.Name))
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return l.fail(result, model.StageLoad, fmt.Errorf("read source %s: %w", sourcePath, err))
	}
	if err := registry.VerifyTrust(entry, source); err != nil {
		return l.fail(result, model.StageLoad, err)
	}

	desc, err := l.describe(ctx, entry)
	if err != nil {
		return l.fail(result, model.StageLoad, err)
	}

	if err := validateAgainstSchema(desc.InputSchema, input); err != nil {
		return l.fail(result, model.StageInputValidation, err)
	}

	output, err := l.execute(ctx, entry, input)
	if err != nil {
		return l.fail(result, model.StageExecution, err)
	}

	if err := validateAgainstSchema(desc.OutputSchema, output); err != nil {
		return l.fail(result, model.StageOutputValidation, err)
	}

	result.Output = output
	result.Success = true
	result.FinishedAt = l.now()
	log.Info("skill %q executed successfully", name)
	return result
}

func (l *Loader) fail(result model.RunResult, stage model.RunStage, err error) model.RunResult {
	logging.Get(logging.CategoryRuntime).Warn("skill %q failed at %s: %v", result.Name, stage, err)
	result.Stage = stage
	result.Error = err.Error()
	result.Success = false
	result.FinishedAt = l.now()
	return result
}

func (l *Loader) now() time.Time {
	return time.Now()
}

func (l *Loader) describe(ctx context.Context, entry model.RegistryEntry) (describeResult, error) {
	command := []string{l.Cfg.InterpreterBinary, "describe", entry.Module}
	res, err := l.Runner.Run(ctx, l.CanonicalRoot, command, l.Cfg.RunTimeout)
	if err != nil {
		return describeResult{}, forgeerr.Wrap(forgeerr.ErrToolFailure, "describe %s: %v", entry.Module, err)
	}
	if !res.OK() {
		return describeResult{}, forgeerr.Wrap(forgeerr.ErrToolFailure, "describe %s exited %d: %s", entry.Module, res.ExitCode, res.Stderr)
	}
	var desc describeResult
	if err := json.Unmarshal([]byte(res.Stdout), &desc); err != nil {
		return describeResult{}, forgeerr.Wrap(forgeerr.ErrInvalidInput, "describe %s: malformed response: %v", entry.Module, err)
	}
	if desc.Error != "" {
		return describeResult{}, forgeerr.Wrap(forgeerr.ErrInvalidInput, "describe %s: %s", entry.Module, desc.Error)
	}
	return desc, nil
}

func (l *Loader) execute(ctx context.Context, entry model.RegistryEntry, input map[string]any) (map[string]any, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrInvalidInput, "marshal input: %v", err)
	}

	dir, err := os.MkdirTemp(l.ScratchRoot, "run-*")
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	inputFile := filepath.Join(dir, "input.json")
	if err := os.WriteFile(inputFile, inputJSON, 0o644); err != nil {
		return nil, forgeerr.Wrap(forgeerr.ErrStoreUnavailable, "write input file: %v", err)
	}

	command := []string{l.Cfg.InterpreterBinary, "execute", entry.Module, inputFile}
	res, runErr := l.Runner.Run(ctx, l.CanonicalRoot, command, l.Cfg.RunTimeout)
	if runErr != nil {
		return nil, fmt.Errorf("execute %s: %w", entry.Module, runErr)
	}
	if !res.OK() {
		return nil, fmt.Errorf("execute %s exited %d: %s", entry.Module, res.ExitCode, res.Stderr)
	}

	var exec executeResult
	if err := json.Unmarshal([]byte(res.Stdout), &exec); err != nil {
		return nil, fmt.Errorf("execute %s: malformed response: %w", entry.Module, err)
	}
	if exec.Error != "" {
		return nil, fmt.Errorf("%s", exec.Error)
	}

	var output map[string]any
	if len(exec.Output) > 0 {
		if err := json.Unmarshal(exec.Output, &output); err != nil {
			return nil, fmt.Errorf("execute %s: malformed output: %w", entry.Module, err)
		}
	}
	return output, nil
}

// validateAgainstSchema validates value against an optional JSON schema
// document. An empty schema is treated as "no constraint".
func validateAgainstSchema(schema json.RawMessage, value map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewGoLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return forgeerr.Wrap(forgeerr.ErrInvalidInput, "schema validation: %v", err)
	}
	if !result.Valid() {
		return forgeerr.Wrap(forgeerr.ErrInvalidInput, "schema validation failed: %v", result.Errors())
	}
	return nil
}
