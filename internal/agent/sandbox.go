package agent

import (
	"path/filepath"
	"regexp"
	"strings"

	coreerrors "github.com/synqx/pipeline-core/internal/core/errors"
)

// packageNamePattern is the strict allow-list spec §4.9 step 7 names
// for package-manager calls: letters, digits, underscore, dash,
// version-comparison operators, dot.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-==.<>]+$`)

// Sandbox resolves file/system operation paths under a fixed root,
// rejecting any resolution that escapes it (spec §4.9 step 7).
type Sandbox struct {
	Root string
}

func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, coreerrors.Configuration("resolve sandbox root", err)
	}
	return &Sandbox{Root: abs}, nil
}

// ResolvePath canonicalizes rel against the sandbox root and fails
// SandboxViolation if the result is not contained within it.
func (s *Sandbox) ResolvePath(rel string) (string, error) {
	joined := filepath.Join(s.Root, rel)
	resolved, err := filepath.Abs(joined)
	if err != nil {
		return "", coreerrors.Configuration("resolve sandboxed path", err)
	}
	resolved = filepath.Clean(resolved)

	if resolved != s.Root && !strings.HasPrefix(resolved, s.Root+string(filepath.Separator)) {
		return "", coreerrors.SandboxViolation("path "+rel+" escapes sandbox root")
	}
	return resolved, nil
}

// ValidatePackageName enforces the package-manager allow-list regex
// (spec §4.9 step 7).
func ValidatePackageName(name string) error {
	if !packageNamePattern.MatchString(name) {
		return coreerrors.SandboxViolation("package name "+name+" rejected by allow-list")
	}
	return nil
}
