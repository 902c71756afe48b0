package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyValue       = errors.New("value cannot be empty")
	ErrMissingSeparator = errors.New("missing separator '/' in repo key")
	ErrInvalidOwner     = errors.New("invalid owner")
	ErrInvalidRepo      = errors.New("invalid repo")
)

// Owner is a validated GitHub user or organisation name:
// non-empty, ASCII alphanumeric or hyphen, no leading or trailing hyphen.
type Owner string

// Repo is a validated GitHub repository name: non-empty, ASCII alphanumeric
// or hyphen/underscore/dot, no leading dot.
type Repo string

// RepoKey identifies a specific GitHub repository.
type RepoKey struct {
	Owner Owner
	Repo  Repo
}

func (k RepoKey) String() string {
	return string(k.Owner) + "/" + string(k.Repo)
}

// ParseOwner validates s as an owner name.
func ParseOwner(s string) (Owner, error) {
	if s == "" {
		return "", ErrEmptyValue
	}
	if strings.HasPrefix(s, "-") {
		return "", fmt.Errorf("value cannot start with '-'")
	}
	if strings.HasSuffix(s, "-") {
		return "", fmt.Errorf("value cannot end with '-'")
	}
	for _, c := range s {
		if !isASCIIAlphanumeric(c) && c != '-' {
			return "", fmt.Errorf("invalid character in value: %q", c)
		}
	}
	return Owner(s), nil
}

// ParseRepo validates s as a repository name.
func ParseRepo(s string) (Repo, error) {
	if s == "" {
		return "", ErrEmptyValue
	}
	if strings.HasPrefix(s, ".") {
		return "", fmt.Errorf("value cannot start with '.'")
	}
	for _, c := range s {
		if !isASCIIAlphanumeric(c) && c != '-' && c != '_' && c != '.' {
			return "", fmt.Errorf("invalid character in value: %q", c)
		}
	}
	return Repo(s), nil
}

// ParseRepoKey parses "<owner>/<repo>" with per-side diagnostics.
func ParseRepoKey(s string) (RepoKey, error) {
	ownerStr, repoStr, found := strings.Cut(s, "/")
	if !found {
		return RepoKey{}, ErrMissingSeparator
	}

	owner, err := ParseOwner(ownerStr)
	if err != nil {
		return RepoKey{}, fmt.Errorf("%w: %w", ErrInvalidOwner, err)
	}
	repo, err := ParseRepo(repoStr)
	if err != nil {
		return RepoKey{}, fmt.Errorf("%w: %w", ErrInvalidRepo, err)
	}

	return RepoKey{Owner: owner, Repo: repo}, nil
}

// IsValidOwner reports whether name passes owner validation.
func IsValidOwner(name string) bool {
	_, err := ParseOwner(name)
	return err == nil
}

// IsValidRepo reports whether name passes repo validation.
func IsValidRepo(name string) bool {
	_, err := ParseRepo(name)
	return err == nil
}

func isASCIIAlphanumeric(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// GenerationID identifies one immutable materialized worktree of a repo.
// IDs are monotonic per repo and start at 1.
type GenerationID int64

// DirName returns the on-disk directory name, zero padded to 6 digits.
// Wider ids are printed verbatim.
func (g GenerationID) DirName() string {
	return fmt.Sprintf("gen-%06d", int64(g))
}

func (g GenerationID) String() string {
	return fmt.Sprintf("%d", int64(g))
}

// ParseGenerationDirName parses a "gen-<digits>" directory name.
func ParseGenerationDirName(name string) (GenerationID, bool) {
	n, ok := parseGenerationName(name)
	return GenerationID(n), ok
}
