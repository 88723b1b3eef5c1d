// Package syncer replicates the memory snapshot between machines through
// an rclone subprocess: pull the remote JSONL, merge it into the local
// store, then push the refreshed local snapshot back.
package syncer

import (
	"errors"
	"fmt"
	"regexp"
)

// maxNameLength bounds remote and folder names well inside any cloud
// provider's limits.
const maxNameLength = 64

// namePattern admits only names that can never be mistaken for a flag, a
// path traversal, or a second remote spec when passed to a subprocess.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

var (
	// ErrInvalidRemote is returned for an rclone remote name that fails
	// the allowlist.
	ErrInvalidRemote = errors.New("invalid remote name")
	// ErrInvalidFolder is returned for a remote folder name that fails
	// the allowlist.
	ErrInvalidFolder = errors.New("invalid folder name")
)

// ValidateRemoteName checks an rclone remote name against the allowlist.
// Validation happens before any subprocess is spawned, never after.
func ValidateRemoteName(name string) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRemote, err)
	}
	return nil
}

// ValidateFolderName checks a remote folder name against the allowlist.
func ValidateFolderName(name string) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFolder, err)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("must not be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("must be at most %d characters", maxNameLength)
	}
	if !namePattern.MatchString(name) {
		return errors.New("must start with a letter or digit and contain only letters, digits, hyphens, underscores")
	}
	return nil
}
