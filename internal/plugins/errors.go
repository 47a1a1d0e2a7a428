package plugins

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPluginNotFound is returned when a call names a plugin that no
// registered descriptor answers to.
type ErrPluginNotFound struct {
	Name string
}

// Error implements the error interface.
func (e *ErrPluginNotFound) Error() string {
	return fmt.Sprintf("Plugin %q not found.", e.Name)
}

// ErrFunctionNotFound is returned when the requested function does not
// exist on the resolved plugin, or when the function was omitted and the
// plugin exposes more than one.
type ErrFunctionNotFound struct {
	Plugin    string
	Function  string
	Available []string
}

// Error implements the error interface.
func (e *ErrFunctionNotFound) Error() string {
	if e.Function == "" {
		return fmt.Sprintf("Plugin %q has several functions; specify one. Available: %s",
			e.Plugin, strings.Join(e.Available, ", "))
	}
	return fmt.Sprintf("Function %q not found. Available: %s", e.Function, strings.Join(e.Available, ", "))
}

// ErrDuplicatePlugin is returned by Register when a name, slug or
// display name is already taken.
var ErrDuplicatePlugin = errors.New("duplicate plugin")
