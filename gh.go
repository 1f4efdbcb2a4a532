package gitcord

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v45/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// GitHubTracker is a Tracker backed by the GitHub REST and GraphQL APIs.
type GitHubTracker struct {
	Client *github.Client

	// GraphQLURL is the GraphQL endpoint, used for deleting issues.
	GraphQLURL string
}

var _ Tracker = &GitHubTracker{}

// NewGitHubTracker builds a GitHubTracker for the given credentials.
// It uses a GitHub App installation when AppID is set and a token otherwise.
// It is a TrackerFactory.
func NewGitHubTracker(ctx context.Context, c Credentials) (Tracker, error) {
	var hc *http.Client
	switch {
	case c.AppID != 0:
		if c.InstallationID == 0 || c.PrivateKeyFile == "" {
			return nil, fmt.Errorf("GitHub App %d needs an installation id and a private key file", c.AppID)
		}
		tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, c.AppID, c.InstallationID, c.PrivateKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "creating GitHub App transport")
		}
		if c.APIURL != "" {
			tr.BaseURL = strings.TrimSuffix(c.APIURL, "/")
		}
		hc = &http.Client{Transport: tr}

	case c.Token != "":
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.Token}))

	default:
		return nil, errors.New("no GitHub credentials")
	}

	if c.APIURL == "" {
		return &GitHubTracker{Client: github.NewClient(hc), GraphQLURL: "https://api.github.com/graphql"}, nil
	}

	uploadURL := c.UploadURL
	if uploadURL == "" {
		uploadURL = c.APIURL
	}
	client, err := github.NewEnterpriseClient(c.APIURL, uploadURL, hc)
	if err != nil {
		return nil, errors.Wrap(err, "creating GitHub Enterprise client")
	}
	return &GitHubTracker{Client: client, GraphQLURL: enterpriseGraphQLURL(c.APIURL)}, nil
}

// enterpriseGraphQLURL maps https://HOST/api/v3/ to https://HOST/api/graphql.
func enterpriseGraphQLURL(apiURL string) string {
	u := strings.TrimSuffix(apiURL, "/")
	u = strings.TrimSuffix(u, "/v3")
	return u + "/graphql"
}

// ghErr maps GitHub client errors to ErrNotFound and ErrRateLimited.
func ghErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var (
		rle  *github.RateLimitError
		arle *github.AbuseRateLimitError
		er   *github.ErrorResponse
	)
	switch {
	case errors.As(err, &rle), errors.As(err, &arle):
		err = fmt.Errorf("%w: %w", ErrRateLimited, err)
	case errors.As(err, &er) && er.Response != nil:
		switch er.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			err = fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	}
	return errors.Wrapf(err, format, args...)
}

func (g *GitHubTracker) CreateIssue(ctx context.Context, repo Repository, in IssueInput) (*Issue, error) {
	req := &github.IssueRequest{
		Title: &in.Title,
		Body:  &in.Body,
	}
	if len(in.Labels) > 0 {
		req.Labels = &in.Labels
	}
	gi, _, err := g.Client.Issues.Create(ctx, repo.Owner, repo.Name, req)
	if err != nil {
		return nil, ghErr(err, "creating issue in %s", repo)
	}
	return issueFromGH(gi), nil
}

func (g *GitHubTracker) CreateComment(ctx context.Context, repo Repository, number int, body string) (*IssueComment, error) {
	c, _, err := g.Client.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: &body})
	if err != nil {
		return nil, ghErr(err, "commenting on %s#%d", repo, number)
	}
	return &IssueComment{ID: c.GetID(), Body: c.GetBody(), HTMLURL: c.GetHTMLURL()}, nil
}

func (g *GitHubTracker) UpdateIssue(ctx context.Context, repo Repository, number int, u IssueUpdate) error {
	req := &github.IssueRequest{
		State:  u.State,
		Title:  u.Title,
		Labels: u.Labels,
	}
	_, _, err := g.Client.Issues.Edit(ctx, repo.Owner, repo.Name, number, req)
	return ghErr(err, "editing %s#%d", repo, number)
}

func (g *GitHubTracker) LockIssue(ctx context.Context, repo Repository, number int) error {
	_, err := g.Client.Issues.Lock(ctx, repo.Owner, repo.Name, number, nil)
	return ghErr(err, "locking %s#%d", repo, number)
}

func (g *GitHubTracker) UnlockIssue(ctx context.Context, repo Repository, number int) error {
	_, err := g.Client.Issues.Unlock(ctx, repo.Owner, repo.Name, number)
	return ghErr(err, "unlocking %s#%d", repo, number)
}

const deleteIssueMutation = `mutation($id: ID!) { deleteIssue(input: {issueId: $id}) { clientMutationId } }`

type graphQLResponse struct {
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

// DeleteIssue deletes an issue through the GraphQL API.
// The REST API cannot delete issues.
func (g *GitHubTracker) DeleteIssue(ctx context.Context, nodeID string) error {
	body := map[string]any{
		"query":     deleteIssueMutation,
		"variables": map[string]string{"id": nodeID},
	}
	req, err := g.Client.NewRequest("POST", g.GraphQLURL, body)
	if err != nil {
		return errors.Wrap(err, "preparing deleteIssue request")
	}
	var resp graphQLResponse
	if _, err := g.Client.Do(ctx, req, &resp); err != nil {
		return ghErr(err, "deleting issue %s", nodeID)
	}
	if len(resp.Errors) > 0 {
		e := resp.Errors[0]
		if e.Type == "NOT_FOUND" {
			return errors.Wrapf(ErrNotFound, "deleting issue %s: %s", nodeID, e.Message)
		}
		return fmt.Errorf("deleting issue %s: %s", nodeID, e.Message)
	}
	return nil
}

func (g *GitHubTracker) DeleteComment(ctx context.Context, repo Repository, commentID int64) error {
	_, err := g.Client.Issues.DeleteComment(ctx, repo.Owner, repo.Name, commentID)
	return ghErr(err, "deleting comment %d in %s", commentID, repo)
}

// ListIssues lists every issue of repo, open or closed.
// Pull requests are left out.
func (g *GitHubTracker) ListIssues(ctx context.Context, repo Repository) ([]*Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var result []*Issue
	for {
		page, resp, err := g.Client.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, ghErr(err, "listing issues of %s", repo)
		}
		for _, gi := range page {
			if gi.IsPullRequest() {
				continue
			}
			result = append(result, issueFromGH(gi))
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (g *GitHubTracker) ListComments(ctx context.Context, repo Repository, number int) ([]*IssueComment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var result []*IssueComment
	for {
		page, resp, err := g.Client.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, ghErr(err, "listing comments of %s#%d", repo, number)
		}
		for _, c := range page {
			result = append(result, &IssueComment{ID: c.GetID(), Body: c.GetBody(), HTMLURL: c.GetHTMLURL()})
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}
