package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Format is a manifest encoding
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// extensionIDPattern accepts dotted identifiers such as "acme.hello-world"
var extensionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*(\.[A-Za-z0-9][A-Za-z0-9_-]*)*$`)

// validate is a package-level singleton; building validators is expensive
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("extid", func(fl validator.FieldLevel) bool {
		return extensionIDPattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// FormatFromPath picks a format from a file extension
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported manifest format: %s", path)
	}
}

// Parse decodes and validates a manifest
func Parse(data []byte, format Format) (types.Manifest, error) {
	var m types.Manifest
	var err error

	switch format {
	case FormatJSON:
		err = sonic.Unmarshal(data, &m)
	case FormatYAML:
		err = yaml.Unmarshal(data, &m)
	case FormatTOML:
		err = toml.Unmarshal(data, &m)
	default:
		return m, fmt.Errorf("unsupported manifest format: %q", format)
	}
	if err != nil {
		return m, fmt.Errorf("failed to decode %s manifest: %w", format, err)
	}

	if err := Validate(m); err != nil {
		return m, err
	}
	return m, nil
}

// ParseFile reads and parses a manifest file
func ParseFile(path string) (types.Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return types.Manifest{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data, format)
}

// Validate checks the identity fields of a manifest
func Validate(m types.Manifest) error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("manifest validation failed: %w", err)
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid manifest %q: %s", m.ID, strings.Join(problems, ", "))
}
