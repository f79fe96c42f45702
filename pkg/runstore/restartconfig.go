package runstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"
	"gopkg.in/yaml.v3"

	schemasassets "github.com/3leaps/spotguard/internal/assets/schemas"
)

// ErrInvalidRestartConfig indicates the restart config failed schema validation.
var ErrInvalidRestartConfig = errors.New("restart config validation failed")

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// LoadRestartConfig reads a restart config from a YAML or JSON file.
func LoadRestartConfig(path string) (*RestartConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("restart config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read restart config: %w", err)
	}
	return ParseRestartConfig(data, path)
}

// ParseRestartConfig validates raw YAML or JSON against the embedded schema
// and decodes it. Unknown fields are rejected.
func ParseRestartConfig(data []byte, path string) (*RestartConfig, error) {
	if len(data) == 0 {
		return nil, errors.New("restart config is empty")
	}

	jsonData := data
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML in restart config: %w", err)
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert restart config to JSON: %w", err)
		}
		jsonData = converted
	}

	if err := ValidateRestartConfig(jsonData); err != nil {
		return nil, err
	}

	var cfg RestartConfig
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("invalid restart config: %w", err)
	}
	return &cfg, nil
}

// ValidateRestartConfig checks raw JSON against the restart config schema.
func ValidateRestartConfig(jsonData []byte) error {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.RestartConfigSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile restart config schema: %w", validatorErr)
		}
	})
	if validatorErr != nil {
		return validatorErr
	}

	diags, err := validator.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var problems []string
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		if d.Pointer != "" {
			problems = append(problems, d.Pointer+": "+d.Message)
		} else {
			problems = append(problems, d.Message)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidRestartConfig, strings.Join(problems, "; "))
}
