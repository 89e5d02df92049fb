package hostexec

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	programPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)
	unitPattern    = regexp.MustCompile(`^[A-Za-z0-9@_.:-]{1,200}$`)
	pathPattern    = regexp.MustCompile(`^[A-Za-z0-9/_.@:+-]{1,4096}$`)
)

// ValidateProgram checks that name is a bare program name, not a path and not
// something a shell would interpret.
func ValidateProgram(name string) error {
	if !programPattern.MatchString(name) {
		return &ValidationError{Field: "program", Value: name, Rule: "must be a bare lowercase program name"}
	}
	return nil
}

// ValidateUnitName checks a service unit name before it reaches any backend.
func ValidateUnitName(name string) error {
	if !unitPattern.MatchString(name) {
		return &ValidationError{Field: "unit", Value: name, Rule: "allowed characters are A-Z a-z 0-9 @ _ . : -"}
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return &ValidationError{Field: "unit", Value: name, Rule: "must not start with '-' or '.'"}
	}
	return nil
}

// ValidatePath checks that path is absolute, already clean, and uses only a
// conservative character set.
func ValidatePath(path string) error {
	if !pathPattern.MatchString(path) {
		return &ValidationError{Field: "path", Value: path, Rule: "allowed characters are A-Z a-z 0-9 / _ . @ : + -"}
	}
	if !filepath.IsAbs(path) {
		return &ValidationError{Field: "path", Value: path, Rule: "must be absolute"}
	}
	if filepath.Clean(path) != path {
		return &ValidationError{Field: "path", Value: path, Rule: "must be clean (no '..', '//' or trailing '/')"}
	}
	return nil
}

// validateArgs rejects arguments no backend can pass through faithfully.
func validateArgs(args []string) error {
	for _, a := range args {
		if strings.ContainsRune(a, 0) {
			return &ValidationError{Field: "argument", Value: strings.ReplaceAll(a, "\x00", `\0`), Rule: "must not contain NUL"}
		}
	}
	return nil
}

// underRoot reports whether path is root itself or lies beneath it.
func underRoot(path string, roots []string) bool {
	for _, root := range roots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}
	return false
}

// allowList is a fixed set of permitted program names.
type allowList map[string]bool

func newAllowList(programs []string) allowList {
	al := make(allowList, len(programs))
	for _, p := range programs {
		al[p] = true
	}
	return al
}

func (al allowList) check(program string) error {
	if err := ValidateProgram(program); err != nil {
		return err
	}
	if !al[program] {
		return fmt.Errorf("program %q: %w", program, ErrCommandNotAllowed)
	}
	return nil
}
