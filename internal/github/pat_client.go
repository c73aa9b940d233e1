package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// PATClient implements Client with a personal access token.
type PATClient struct {
	token      string
	apiBase    string
	httpClient *http.Client
	username   string // cached after the first /user call
}

// NewPATClient creates a token-authenticated client against api.github.com.
func NewPATClient(token string) *PATClient {
	return NewPATClientWithBase(token, defaultAPIBase)
}

// NewPATClientWithBase overrides the API base, for enterprise hosts and
// tests.
func NewPATClientWithBase(token, apiBase string) *PATClient {
	return &PATClient{
		token:   token,
		apiBase: strings.TrimSuffix(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *PATClient) GetAuthenticatedUser(ctx context.Context) (string, error) {
	if c.username != "" {
		return c.username, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return "", err
	}
	c.username = user.Login
	return c.username, nil
}

func (c *PATClient) CreatePR(ctx context.Context, owner, repo string, in CreatePRInput) (*PR, error) {
	body := map[string]any{
		"title": in.Title,
		"head":  in.Branch,
		"base":  in.Base,
		"draft": in.Draft,
	}
	if in.Body != "" {
		body["body"] = in.Body
	}
	var raw rawPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := c.do(ctx, http.MethodPost, endpoint, body, &raw); err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return raw.toPR(), nil
}

func (c *PATClient) UpdatePR(ctx context.Context, owner, repo string, number int, in UpdatePRInput) (*PR, error) {
	body := map[string]any{}
	if in.Title != "" {
		body["title"] = in.Title
	}
	if in.Body != "" {
		body["body"] = in.Body
	}
	if in.State != "" {
		body["state"] = in.State
	}
	var raw rawPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodPatch, endpoint, body, &raw); err != nil {
		return nil, fmt.Errorf("update PR #%d: %w", number, err)
	}
	return raw.toPR(), nil
}

func (c *PATClient) GetPR(ctx context.Context, owner, repo string, number int) (*PR, error) {
	var raw rawPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("get PR #%d: %w", number, err)
	}
	return raw.toPR(), nil
}

func (c *PATClient) ListRepos(ctx context.Context, limit int) ([]Repo, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var raw []struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
		Private  bool   `json:"private"`
		HTMLURL  string `json:"html_url"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	}
	endpoint := fmt.Sprintf("/user/repos?sort=pushed&per_page=%d", limit)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	repos := make([]Repo, len(raw))
	for i, r := range raw {
		repos[i] = Repo{
			FullName: r.FullName,
			Owner:    r.Owner.Login,
			Name:     r.Name,
			Private:  r.Private,
			HTMLURL:  r.HTMLURL,
		}
	}
	return repos, nil
}

func (c *PATClient) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GitHub API %s returned %d: %s", endpoint, resp.StatusCode, string(prefix))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// rawPR is the REST API shape for pull requests.
type rawPR struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	HTMLURL   string    `json:"html_url"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	MergedAt  *string   `json:"merged_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Head      struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (r *rawPR) toPR() *PR {
	state := strings.ToLower(r.State)
	if r.MergedAt != nil && *r.MergedAt != "" {
		state = "merged"
	}
	return &PR{
		Number:     r.Number,
		Title:      r.Title,
		HTMLURL:    r.HTMLURL,
		State:      state,
		Draft:      r.Draft,
		HeadBranch: r.Head.Ref,
		BaseBranch: r.Base.Ref,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
