package gitrepo

import (
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "simple", value: "octocat", wantErr: false},
		{name: "hyphen", value: "my-org", wantErr: false},
		{name: "dotted repo", value: "my_repo.v2", wantErr: false},
		{name: "empty", value: "", wantErr: true},
		{name: "dotdot", value: "..", wantErr: true},
		{name: "embedded dotdot", value: "a..b", wantErr: true},
		{name: "slash", value: "a/b", wantErr: true},
		{name: "backslash", value: `a\b`, wantErr: true},
		{name: "leading dash", value: "-flag", wantErr: true},
		{name: "null byte", value: "a\x00b", wantErr: true},
		{name: "control byte", value: "a\tb", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateName(tt.value, "owner")
			if (err != nil) != tt.wantErr {
				t.Errorf("validateName(%q) err = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("validateName(%q) err = %v, want ErrInvalidInput", tt.value, err)
			}
		})
	}
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "branch", value: "main", wantErr: false},
		{name: "branch with slash", value: "feature/x", wantErr: false},
		{name: "sha", value: "7fd1a60b01f91b314f59955a4e4d4e80d8edf11d", wantErr: false},
		{name: "empty", value: "", wantErr: true},
		{name: "dotdot", value: "main..dev", wantErr: true},
		{name: "leading dash", value: "--upload-pack=evil", wantErr: true},
		{name: "control byte", value: "main\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRef(tt.value, "branch")
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRef(%q) err = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestDriverRejectsInvalidInputs(t *testing.T) {
	d := New("", nil, nil)
	ctx := t.Context()

	if err := d.CloneBareShallow(ctx, "-owner", "repo", t.TempDir()+"/x.git"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("CloneBareShallow with flag owner err = %v, want ErrInvalidInput", err)
	}
	if err := d.FetchShallow(ctx, t.TempDir(), "-branch"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("FetchShallow with flag branch err = %v, want ErrInvalidInput", err)
	}
	if err := d.CreateWorktree(ctx, t.TempDir(), t.TempDir()+"/wt", "-commit"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("CreateWorktree with flag commit err = %v, want ErrInvalidInput", err)
	}
}

func TestRepositoryExistsReturnsFalseForNonRepo(t *testing.T) {
	if RepositoryExists(t.TempDir()) {
		t.Error("expected empty dir to not be a repository")
	}
}

func TestResolveDefaultBranchNotFound(t *testing.T) {
	_, _, err := ResolveDefaultBranch(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveDefaultBranch err = %v, want ErrNotFound", err)
	}
}
