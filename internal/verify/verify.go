// Package verify implements the verification battery (spec §4.5): five
// independent gates run regardless of which others fail, each producing
// a structured GateResult, aggregated into one VerificationRecord.
package verify

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"forge/internal/config"
	"forge/internal/forgeerr"
	"forge/internal/invariant"
	"forge/internal/logging"
	"forge/internal/model"
	"forge/internal/pathconv"
	"forge/internal/policy"
	"forge/internal/toolrunner"
)

// Battery orchestrates the five gates against one build's workspace.
type Battery struct {
	Runner     toolrunner.Runner
	Cfg        config.VerifyConfig
	Policy     *policy.Scanner
	Convention pathconv.Convention
	Governance []string // governance package prefixes for the runtime-boundary check
}

// New builds a Battery from cfg, constructing its own Policy scanner.
func New(runner toolrunner.Runner, cfg config.VerifyConfig, policyCfg config.PolicyConfig, conv pathconv.Convention) (*Battery, error) {
	scanner, err := policy.New(policyCfg)
	if err != nil {
		return nil, err
	}
	return &Battery{Runner: runner, Cfg: cfg, Policy: scanner, Convention: conv, Governance: []string{"forge"}}, nil
}

// Input bundles everything one Run call needs about the build under test.
type Input struct {
	WorkspaceDir   string
	SkillName      string
	SideEffect     model.SideEffectClass
	ChangedFiles   []string // files the build changed, as supplied by the caller; Run does not derive them from a diff
	Allowlist      []string
	OptionalFiles  map[string][]byte // optional runtime support files present in this build, path -> content
}

const (
	gateLint       = "lint"
	gateTypeCheck  = "type_check"
	gateUnitTest   = "unit_test"
	gatePolicy     = "policy"
	gateInvariants = "invariants"
)

// Run executes all five gates concurrently and returns one result per
// gate plus the aggregate record. Infrastructural errors (a tool runner
// that cannot even launch a process) abort the whole battery; a tool
// exiting non-zero is a normal failing gate, not an error.
func (b *Battery) Run(ctx context.Context, in Input) ([]model.GateResult, model.VerificationRecord, error) {
	log := logging.Get(logging.CategoryVerification)
	timer := logging.StartTimer(log, "verification battery", b.Cfg.GateTimeout*6)
	defer timer.Stop()

	results := make(map[string]model.GateResult, 5)
	var mu sync.Mutex
	set := func(r model.GateResult) {
		mu.Lock()
		results[r.Name] = r
		mu.Unlock()
	}

	sourcePath := b.Convention.SkillSourcePath(in.SkillName)
	testPath := b.Convention.TestPath(in.SkillName)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r, err := b.runToolGate(gctx, gateLint, in.WorkspaceDir, append(append([]string{}, b.Cfg.LintCommand...), sourcePath, testPath))
		if err != nil {
			return err
		}
		set(r)
		return nil
	})
	g.Go(func() error {
		r, err := b.runToolGate(gctx, gateTypeCheck, in.WorkspaceDir, b.Cfg.TypeCheckCommand)
		if err != nil {
			return err
		}
		set(r)
		return nil
	})
	g.Go(func() error {
		r, err := b.runToolGate(gctx, gateUnitTest, in.WorkspaceDir, append(append([]string{}, b.Cfg.TestCommand...), testPath))
		if err != nil {
			return err
		}
		set(r)
		return nil
	})
	g.Go(func() error {
		set(b.runPolicyGate(in.WorkspaceDir, sourcePath, testPath))
		return nil
	})
	g.Go(func() error {
		set(b.runInvariantsGate(in))
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, model.VerificationRecord{}, forgeerr.Wrap(forgeerr.ErrToolFailure, "verification battery: %v", err)
	}

	ordered := []model.GateResult{
		results[gateLint], results[gateTypeCheck], results[gateUnitTest], results[gatePolicy], results[gateInvariants],
	}

	rec := model.VerificationRecord{
		LintOK:      results[gateLint].OK,
		TypeCheckOK: results[gateTypeCheck].OK,
		UnitTestOK:  results[gateUnitTest].OK,
		PolicyOK:    results[gatePolicy].OK,
		InvariantOK: results[gateInvariants].OK,
	}
	rec.AllOK = rec.LintOK && rec.TypeCheckOK && rec.UnitTestOK && rec.PolicyOK && rec.InvariantOK

	return ordered, rec, nil
}

func (b *Battery) runToolGate(ctx context.Context, name, dir string, command []string) (model.GateResult, error) {
	result, err := b.Runner.Run(ctx, dir, command, b.Cfg.GateTimeout)
	if err != nil && !forgeerr.Is(err, forgeerr.ErrTimeout) {
		return model.GateResult{}, err
	}
	return model.GateResult{
		Name: name,
		OK:   err == nil && result.OK(),
		Log:  result.Combined(),
		Facts: map[string]any{
			"exit_code": result.ExitCode,
			"timed_out": result.TimedOut,
		},
	}, nil
}

func (b *Battery) runPolicyGate(workspaceDir, sourcePath, testPath string) model.GateResult {
	var violations []policy.Violation
	for _, p := range []string{sourcePath, testPath} {
		data, err := os.ReadFile(filepath.Join(workspaceDir, p))
		if err != nil {
			continue
		}
		v, err := b.Policy.Scan(data)
		if err != nil {
			continue
		}
		violations = append(violations, v...)
	}
	return model.GateResult{
		Name:  gatePolicy,
		OK:    len(violations) == 0,
		Facts: map[string]any{"violations": violations},
	}
}

func (b *Battery) runInvariantsGate(in Input) model.GateResult {
	var violations []invariant.Violation

	sourcePath := b.Convention.SkillSourcePath(in.SkillName)
	data, err := os.ReadFile(filepath.Join(in.WorkspaceDir, sourcePath))
	if err == nil {
		if v, err := invariant.CheckStructural(data, in.SideEffect); err == nil {
			violations = append(violations, v...)
		}
		if v, err := invariant.CheckExtendedSafety(data); err == nil {
			violations = append(violations, v...)
		}
	}

	violations = append(violations, invariant.CheckScopeContainment(in.ChangedFiles, in.Allowlist)...)

	if len(in.OptionalFiles) > 0 {
		if v, err := invariant.CheckRuntimeBoundary(in.OptionalFiles, b.Governance); err == nil {
			violations = append(violations, v...)
		}
	}

	return model.GateResult{
		Name:  gateInvariants,
		OK:    len(violations) == 0,
		Facts: map[string]any{"violations": violations},
	}
}
