// Package config loads and saves forge core configuration. Config file
// parsing itself is an ambient concern the core still owns (the spec's
// "configuration file parsing" non-goal refers to the *skills'* own
// config, not the core's).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PathsConfig locates the on-disk layout described in spec §6.
type PathsConfig struct {
	DataRoot     string `yaml:"data_root"`
	LedgerPath   string `yaml:"ledger_path"`
	BlobRoot     string `yaml:"blob_root"`
	RegistryPath string `yaml:"registry_path"`
	ScratchRoot  string `yaml:"scratch_root"`
	SkillRoot    string `yaml:"skill_root"`
	TestRoot     string `yaml:"test_root"`
}

// SandboxConfig bounds the sandbox builder's subprocess phases.
type SandboxConfig struct {
	BuildTimeout    time.Duration `yaml:"build_timeout"`
	KillGracePeriod time.Duration `yaml:"kill_grace_period"`
	RetainOnFailure bool          `yaml:"retain_on_failure"`
	WorkerBinary    string        `yaml:"worker_binary"`
	WorkerArgs      []string      `yaml:"worker_args"`
}

// GatewayConfig configures the optional LLM gateway used by the retry
// engine's advisory layer. A zero BaseURL means the gateway is absent and
// the retry engine degrades to deterministic-only.
type GatewayConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	PromptCharCap int           `yaml:"prompt_char_cap"`
}

// PolicyConfig carries the policy scanner's rule set as data.
type PolicyConfig struct {
	ForbiddenImports []string `yaml:"forbidden_imports"`
	ForbiddenCalls   []string `yaml:"forbidden_calls"`
	SecretEnvPattern string   `yaml:"secret_env_pattern"`
}

// RetryConfig configures the retry engine and escalation checks.
type RetryConfig struct {
	MaxAttempts        int      `yaml:"max_attempts"`
	EscalationKeywords []string `yaml:"escalation_keywords"`
	LargeDiffPercent   float64  `yaml:"large_diff_percent"`
}

// LoggingConfig controls internal/logging.
type LoggingConfig struct {
	DebugMode  bool     `yaml:"debug_mode"`
	Level      string   `yaml:"level"`
	JSONFormat bool     `yaml:"json_format"`
	Disabled   []string `yaml:"disabled_categories"`
}

// VerifyConfig names the lint/type-check/test tool invocations.
type VerifyConfig struct {
	LintCommand      []string      `yaml:"lint_command"`
	TypeCheckCommand []string      `yaml:"type_check_command"`
	TestCommand      []string      `yaml:"test_command"`
	GateTimeout      time.Duration `yaml:"gate_timeout"`
}

// RuntimeConfig configures the runtime loader's skill interpreter.
type RuntimeConfig struct {
	InterpreterBinary string        `yaml:"interpreter_binary"`
	RunTimeout        time.Duration `yaml:"run_timeout"`
}

// Config is the forge core's top-level configuration.
type Config struct {
	Paths    PathsConfig   `yaml:"paths"`
	Sandbox  SandboxConfig `yaml:"sandbox"`
	Gateway  GatewayConfig `yaml:"gateway"`
	Policy   PolicyConfig  `yaml:"policy"`
	Retry    RetryConfig   `yaml:"retry"`
	Logging  LoggingConfig `yaml:"logging"`
	Verify   VerifyConfig  `yaml:"verify"`
	Runtime  RuntimeConfig `yaml:"runtime"`
}

// DefaultConfig returns sane defaults rooted at dataRoot.
func DefaultConfig(dataRoot string) *Config {
	if dataRoot == "" {
		dataRoot = "./.forge"
	}
	return &Config{
		Paths: PathsConfig{
			DataRoot:     dataRoot,
			LedgerPath:   dataRoot + "/ledger.db",
			BlobRoot:     dataRoot + "/blobs",
			RegistryPath: dataRoot + "/registry.yaml",
			ScratchRoot:  dataRoot + "/scratch",
			SkillRoot:    "skills",
			TestRoot:     "tests",
		},
		Sandbox: SandboxConfig{
			BuildTimeout:    2 * time.Minute,
			KillGracePeriod: 5 * time.Second,
			RetainOnFailure: true,
			WorkerBinary:    "forge-worker",
		},
		Gateway: GatewayConfig{
			Timeout:       30 * time.Second,
			PromptCharCap: 8000,
		},
		Policy: PolicyConfig{
			ForbiddenImports: []string{"os", "subprocess", "sys", "importlib", "shutil"},
			ForbiddenCalls:   []string{"eval", "exec", "compile", "__import__"},
			SecretEnvPattern: `os\.environ|getenv`,
		},
		Retry: RetryConfig{
			MaxAttempts:        5,
			EscalationKeywords: []string{"network", "money", "payment", "messaging", "secret", "credential"},
			LargeDiffPercent:   50.0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Verify: VerifyConfig{
			LintCommand:      []string{"ruff", "check"},
			TypeCheckCommand: []string{"mypy"},
			TestCommand:      []string{"pytest"},
			GateTimeout:      60 * time.Second,
		},
		Runtime: RuntimeConfig{
			InterpreterBinary: "forge-skill-runner",
			RunTimeout:        30 * time.Second,
		},
	}
}

// Load reads YAML config from path, falling back to defaults if the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig("")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg as YAML to path.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGE_DATA_ROOT"); v != "" {
		cfg.Paths.DataRoot = v
	}
	if v := os.Getenv("FORGE_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("FORGE_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("FORGE_SANDBOX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.BuildTimeout = d
		}
	}
	if v := os.Getenv("FORGE_TEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Verify.GateTimeout = d
		}
	}
	if v := os.Getenv("FORGE_RETRY_LIMIT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}
	if os.Getenv("FORGE_DEBUG") == "1" {
		cfg.Logging.DebugMode = true
	}
}
