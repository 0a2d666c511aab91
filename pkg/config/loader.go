package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

const configFile = "alfred.yaml"

// fileConfig mirrors the alfred.yaml structure. Pointer sections
// distinguish "absent" from "zero" when merging over defaults.
type fileConfig struct {
	Users         []string             `yaml:"users"`
	Redis         *RedisConfig         `yaml:"redis"`
	Fabric        *FabricConfig        `yaml:"fabric"`
	Server        *ServerConfig        `yaml:"server"`
	Runtime       *RuntimeConfig       `yaml:"runtime"`
	Agents        *AgentsConfig        `yaml:"agents"`
	Planner       *PlannerConfig       `yaml:"planner"`
	Calendar      *CalendarConfig      `yaml:"calendar"`
	Prod          *ProdConfig          `yaml:"prod"`
	Email         *EmailConfig         `yaml:"email"`
	Mailer        *MailerConfig        `yaml:"mailer"`
	Observability *ObservabilityConfig `yaml:"observability"`
}

func load(configDir string) (*Config, error) {
	cfg := Default()
	cfg.configDir = configDir

	path := filepath.Join(configDir, configFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("Config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	data = expandEnv(data)

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	if len(file.Users) > 0 {
		cfg.Users = file.Users
	}
	sections := []struct {
		dst any
		src any
	}{
		{cfg.Redis, file.Redis},
		{cfg.Fabric, file.Fabric},
		{cfg.Server, file.Server},
		{cfg.Runtime, file.Runtime},
		{cfg.Agents, file.Agents},
		{cfg.Planner, file.Planner},
		{cfg.Calendar, file.Calendar},
		{cfg.Prod, file.Prod},
		{cfg.Email, file.Email},
		{cfg.Mailer, file.Mailer},
		{cfg.Observability, file.Observability},
	}
	for _, s := range sections {
		if isNilPtr(s.src) {
			continue
		}
		// Non-zero file values override defaults; unset fields keep them.
		if err := mergo.Merge(s.dst, s.src, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config section: %w", err)
		}
	}
	return cfg, nil
}

func isNilPtr(v any) bool {
	return v == nil || reflect.ValueOf(v).IsNil()
}

// expandEnv substitutes {{.ENV_VAR}} references in the raw YAML. Template
// syntax avoids colliding with literal $ in values. Missing variables
// expand to empty strings; malformed templates pass the data through so
// the YAML parser reports the real problem.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New(configFile).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
