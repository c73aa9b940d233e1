// Package github is a minimal GitHub REST client for the pull-request and
// repository operations runners request through the control plane. Built on
// net/http; the corpus carries no GitHub SDK.
package github

import (
	"context"
	"time"
)

// PR is the pull-request projection the platform cares about.
type PR struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	HTMLURL    string    `json:"html_url"`
	State      string    `json:"state"`
	Draft      bool      `json:"draft"`
	HeadBranch string    `json:"head_branch"`
	BaseBranch string    `json:"base_branch"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Repo is one repository visible to the authenticated user.
type Repo struct {
	FullName string `json:"full_name"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	Private  bool   `json:"private"`
	HTMLURL  string `json:"html_url"`
}

// CreatePRInput carries the fields for opening a pull request.
type CreatePRInput struct {
	Title  string
	Body   string
	Branch string
	Base   string
	Draft  bool
}

// UpdatePRInput amends an existing pull request. Zero-valued fields are
// left untouched.
type UpdatePRInput struct {
	Title string
	Body  string
	State string // open, closed
}

// Client is the GitHub surface the control plane uses.
type Client interface {
	GetAuthenticatedUser(ctx context.Context) (string, error)
	CreatePR(ctx context.Context, owner, repo string, in CreatePRInput) (*PR, error)
	UpdatePR(ctx context.Context, owner, repo string, number int, in UpdatePRInput) (*PR, error)
	GetPR(ctx context.Context, owner, repo string, number int) (*PR, error)
	ListRepos(ctx context.Context, limit int) ([]Repo, error)
}
