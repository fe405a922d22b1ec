package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// RepositoryState is the provider's current view of one fleet repository.
// It is rebuilt from the API on every run, never cached across runs.
type RepositoryState struct {
	Exists        bool
	IsTemplate    bool
	DefaultBranch string
	Permissions   map[string]string // team slug -> role
}

type createRepoRequest struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

type updateRepoRequest struct {
	IsTemplate bool `json:"is_template"`
}

type grantTeamRequest struct {
	Permission string `json:"permission"`
}

type repoResponse struct {
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	IsTemplate    bool   `json:"is_template"`
}

type teamResponse struct {
	Slug       string `json:"slug"`
	Permission string `json:"permission"`
}

// EnsureRepo creates the repository under the fleet organization, adopting
// it when a repository of that name already exists. The returned bool is
// true when the repository pre-existed.
func (c *Client) EnsureRepo(ctx context.Context, name string) (bool, error) {
	req := createRepoRequest{Name: name, Visibility: c.visibility}
	err := c.do(ctx, http.MethodPost, "/orgs/"+c.org+"/repos", req, nil)
	if errors.Is(err, ErrRepositoryExists) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create repository %s: %w", name, err)
	}
	return false, nil
}

// GrantTeamRole grants role on the repository to an organization team. The
// provider treats the grant as an upsert, so it is safe to reissue every
// run.
func (c *Client) GrantTeamRole(ctx context.Context, name, team, role string) error {
	path := "/orgs/" + c.org + "/teams/" + team + "/repos/" + c.org + "/" + name
	if err := c.do(ctx, http.MethodPut, path, grantTeamRequest{Permission: role}, nil); err != nil {
		return fmt.Errorf("failed to grant %s to team %s on %s: %w", role, team, name, err)
	}
	return nil
}

// SetTemplateFlag sets the repository's template marking.
func (c *Client) SetTemplateFlag(ctx context.Context, name string, value bool) error {
	if err := c.do(ctx, http.MethodPatch, "/repos/"+c.org+"/"+name, updateRepoRequest{IsTemplate: value}, nil); err != nil {
		return fmt.Errorf("failed to set template flag on %s: %w", name, err)
	}
	return nil
}

// State rebuilds the repository's remote state. A missing repository is not
// an error; it yields a zero state with Exists false.
func (c *Client) State(ctx context.Context, name string) (*RepositoryState, error) {
	var repo repoResponse
	err := c.do(ctx, http.MethodGet, "/repos/"+c.org+"/"+name, nil, &repo)
	if errors.Is(err, ErrNotFound) {
		return &RepositoryState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository %s: %w", name, err)
	}

	var teams []teamResponse
	if err := c.do(ctx, http.MethodGet, "/repos/"+c.org+"/"+name+"/teams", nil, &teams); err != nil {
		return nil, fmt.Errorf("failed to read teams for %s: %w", name, err)
	}

	state := &RepositoryState{
		Exists:        true,
		IsTemplate:    repo.IsTemplate,
		DefaultBranch: repo.DefaultBranch,
		Permissions:   make(map[string]string, len(teams)),
	}
	for _, t := range teams {
		state.Permissions[t.Slug] = t.Permission
	}
	return state, nil
}
