package models

import (
	"errors"
	"strings"
	"time"
)

// Estate is the owning tenant unit for a repository, its builds and sandboxes.
type Estate struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	Name           string    `json:"name"`
	RepoFullName   string    `json:"repo_full_name"`
	RepoURL        string    `json:"repo_url"`
	Branch         string    `json:"branch"`
	InstallCommand string    `json:"install_command,omitempty"`
	BuildCommand   string    `json:"build_command,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// EncryptedToken is the age-armored repository access token.
	EncryptedToken string `json:"-"`
}

// Validation errors for estates.
var (
	ErrEstateRepoRequired   = errors.New("estate repository is required")
	ErrEstateBranchRequired = errors.New("estate branch is required")
)

// Validate checks the fields required to trigger builds.
func (e *Estate) Validate() error {
	if strings.TrimSpace(e.RepoFullName) == "" || strings.TrimSpace(e.RepoURL) == "" {
		return ErrEstateRepoRequired
	}
	if strings.TrimSpace(e.Branch) == "" {
		return ErrEstateBranchRequired
	}
	return nil
}

// EnvVar is one desired environment entry for an estate's agent.
// Value holds age-armored ciphertext.
type EnvVar struct {
	EstateID  string    `json:"estate_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
