package github

import "context"

// MockClient is a test double recording calls and returning canned values.
type MockClient struct {
	User  string
	PRs   map[int]*PR
	Repos []Repo
	Err   error

	CreatedPRs []CreatePRInput
	UpdatedPRs []UpdatePRInput
	nextNumber int
}

// NewMockClient returns an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{User: "mock-user", PRs: make(map[int]*PR), nextNumber: 1}
}

func (m *MockClient) GetAuthenticatedUser(ctx context.Context) (string, error) {
	return m.User, m.Err
}

func (m *MockClient) CreatePR(ctx context.Context, owner, repo string, in CreatePRInput) (*PR, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.CreatedPRs = append(m.CreatedPRs, in)
	pr := &PR{
		Number:     m.nextNumber,
		Title:      in.Title,
		HTMLURL:    "https://github.com/" + owner + "/" + repo + "/pull/1",
		State:      "open",
		Draft:      in.Draft,
		HeadBranch: in.Branch,
		BaseBranch: in.Base,
	}
	m.PRs[pr.Number] = pr
	m.nextNumber++
	return pr, nil
}

func (m *MockClient) UpdatePR(ctx context.Context, owner, repo string, number int, in UpdatePRInput) (*PR, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.UpdatedPRs = append(m.UpdatedPRs, in)
	pr, ok := m.PRs[number]
	if !ok {
		pr = &PR{Number: number, State: "open"}
		m.PRs[number] = pr
	}
	if in.Title != "" {
		pr.Title = in.Title
	}
	if in.State != "" {
		pr.State = in.State
	}
	return pr, nil
}

func (m *MockClient) GetPR(ctx context.Context, owner, repo string, number int) (*PR, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	pr, ok := m.PRs[number]
	if !ok {
		return nil, m.Err
	}
	return pr, nil
}

func (m *MockClient) ListRepos(ctx context.Context, limit int) ([]Repo, error) {
	return m.Repos, m.Err
}
