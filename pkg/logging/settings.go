package logging

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Log level constants
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Log type constants
const (
	TypeConsole = "console"
	TypeFile    = "file"
)

// Settings holds the logging configuration: level, output type and, for file
// output, the rotation policy (MaxSize in MB, MaxAge in days). The command
// line binds each field to a flag.
type Settings struct {
	Level      string `validate:"required,oneof=debug info warning error"`
	Type       string `validate:"required,oneof=console file"`
	FilePath   string `validate:"required_if=Type file"`
	MaxSize    int    `validate:"required_if=Type file,omitempty,min=1,max=100"`
	MaxBackups int    `validate:"required_if=Type file,omitempty,min=1,max=10"`
	MaxAge     int    `validate:"required_if=Type file,omitempty,min=1,max=365"`
}

var settingsValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the settings. File output requires a path and the rotation policy.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("validation failed for logging settings: %w", err)
	}
	return nil
}
