// configgen renders runnable config files from a single dev profile.
// The profile names a base config per service plus overrides, and holds
// the shared JWT secret once so the daemon and any future verifier stay
// in step. Run it from the repo root:
//
//	go run ./scripts/devtools/configgen -profile configs/dev-profile.yaml
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Auth      SharedAuth                `yaml:"auth"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

// SharedAuth is pushed into every service that verifies bearer tokens.
type SharedAuth struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type ServiceProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

// Services whose config carries an auth section the shared secret
// belongs in. The console never verifies tokens, it only presents them.
var authConsumers = map[string]bool{
	"analysis-service": true,
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "path to the dev profile")
	outputDir := flag.String("output-dir", "", "override the profile's output directory")
	flag.Parse()

	absProfile, err := filepath.Abs(*profilePath)
	if err != nil {
		return fmt.Errorf("resolve profile path: %w", err)
	}
	profile, err := loadProfile(absProfile)
	if err != nil {
		return err
	}
	if *outputDir != "" {
		profile.OutputDir = *outputDir
	}
	if profile.OutputDir == "" {
		return errors.New("output directory is required")
	}
	profileDir := filepath.Dir(absProfile)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}
	if err := os.MkdirAll(profile.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	names := make([]string, 0, len(profile.Services))
	for name := range profile.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make(map[string]string, len(names))
	for _, name := range names {
		outputPath, err := renderService(profileDir, profile, name)
		if err != nil {
			return fmt.Errorf("render %q: %w", name, err)
		}
		if prev, clash := written[outputPath]; clash {
			return fmt.Errorf("services %q and %q both write %s", prev, name, outputPath)
		}
		written[outputPath] = name
	}
	return nil
}

func renderService(profileDir string, profile *Profile, name string) (string, error) {
	svc := profile.Services[name]
	if svc.Base == "" {
		return "", errors.New("missing base config")
	}
	if !filepath.IsAbs(svc.Base) {
		svc.Base = filepath.Join(profileDir, svc.Base)
	}

	config, err := loadYAML(svc.Base)
	if err != nil {
		return "", err
	}
	config = normalize(config)

	if len(svc.Overrides) > 0 {
		config, err = mergeTree(config, normalize(svc.Overrides))
		if err != nil {
			return "", err
		}
	}
	if config, err = applySharedAuth(profile.Auth, name, config); err != nil {
		return "", err
	}

	outputPath, err := resolveOutputPath(profile.OutputDir, svc)
	if err != nil {
		return "", err
	}
	return outputPath, writeYAML(outputPath, config)
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read base config: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse base config: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func resolveOutputPath(outputDir string, svc ServiceProfile) (string, error) {
	output := svc.Output
	if output == "" {
		output = filepath.Base(svc.Base)
	}
	if output == "" {
		return "", errors.New("output path is empty")
	}
	if filepath.IsAbs(output) {
		return output, nil
	}
	return filepath.Join(outputDir, output), nil
}

// normalize rewrites every mapping to string keys so merged trees
// marshal cleanly. yaml.v3 only falls back to interface{} keys when a
// document uses non-scalar keys, which hand-written configs never do,
// but a profile is user input.
func normalize(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalize(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprintf("%v", k)] = normalize(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalize(item))
		}
		return out
	default:
		return value
	}
}

// mergeTree overlays override onto base. Maps merge recursively, every
// other value is replaced wholesale, so a list override must restate
// the full list.
func mergeTree(base interface{}, override interface{}) (interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("overrides are not a map")
	}

	merged := make(map[string]interface{}, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}
	for key, value := range overrideMap {
		existing, exists := merged[key]
		if !exists {
			merged[key] = value
			continue
		}
		existingChild, existingIsMap := existing.(map[string]interface{})
		overrideChild, overrideIsMap := value.(map[string]interface{})
		if existingIsMap && overrideIsMap {
			combined, err := mergeTree(existingChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = value
	}
	return merged, nil
}

func applySharedAuth(shared SharedAuth, serviceName string, config interface{}) (interface{}, error) {
	if shared.Secret == "" && shared.Issuer == "" {
		return config, nil
	}
	if !authConsumers[serviceName] {
		return config, nil
	}
	root, ok := config.(map[string]interface{})
	if !ok {
		return nil, errors.New("service config is not a map")
	}
	auth, ok := root["auth"].(map[string]interface{})
	if !ok {
		auth = map[string]interface{}{}
		root["auth"] = auth
	}
	if shared.Secret != "" {
		auth["secret"] = shared.Secret
	}
	if shared.Issuer != "" {
		auth["issuer"] = shared.Issuer
	}
	return root, nil
}
