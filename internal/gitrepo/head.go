package gitrepo

import (
	"errors"
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
)

// ResolveDefaultBranch opens the repository at path and reads its HEAD,
// returning the branch name (without the refs/heads/ prefix) and the commit
// SHA it peels to.
//
// Returns ErrNotFound if path does not contain a git repository and ErrParse
// if HEAD does not point at a local branch.
func ResolveDefaultBranch(path string) (string, string, error) {
	repo, err := openRepository(path)
	if err != nil {
		return "", "", err
	}

	head, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("%w: unable to read HEAD of %s: %w", ErrParse, path, err)
	}

	refName := head.Name().String()
	branch, ok := strings.CutPrefix(refName, "refs/heads/")
	if !ok {
		return "", "", fmt.Errorf("%w: unexpected HEAD format: expected 'refs/heads/<branch>', got '%s'", ErrParse, refName)
	}

	return branch, head.Hash().String(), nil
}

// HeadCommit opens the repository at path (a mirror or a linked worktree)
// and returns the commit SHA its HEAD resolves to.
func HeadCommit(path string) (string, error) {
	repo, err := openRepository(path)
	if err != nil {
		return "", err
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("%w: unable to read HEAD of %s: %w", ErrParse, path, err)
	}
	return head.Hash().String(), nil
}

// RepositoryExists reports whether path contains an openable git repository.
func RepositoryExists(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}

func openRepository(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("unable to open repository at %s err:%w", path, err)
	}
	return repo, nil
}
