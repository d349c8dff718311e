package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/slipway-sh/slipway/internal/domain"
)

// ErrMalformedPayload means a push payload is missing the repository URL or
// head commit. Surfaced to the provider as a 400.
var ErrMalformedPayload = errors.New("webhook: malformed push payload")

const branchRefPrefix = "refs/heads/"

type githubPush struct {
	Ref        string `json:"ref"`
	Repository struct {
		CloneURL string `json:"clone_url"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Installation *struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

type gitlabPush struct {
	Ref         string `json:"ref"`
	CheckoutSHA string `json:"checkout_sha"`
	After       string `json:"after"`
	UserName    string `json:"user_name"`
	Project     struct {
		GitHTTPURL        string `json:"git_http_url"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	Commits []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commits"`
}

// ParsePush normalizes a provider push payload. Tag pushes and deletions
// carry refs outside refs/heads/ and surface as malformed rather than being
// silently accepted with a bogus branch.
func ParsePush(provider domain.Provider, payload []byte) (domain.PushEvent, error) {
	switch provider {
	case domain.ProviderGitHub:
		return parseGitHubPush(payload)
	case domain.ProviderGitLab:
		return parseGitLabPush(payload)
	default:
		return domain.PushEvent{}, fmt.Errorf("webhook: unknown provider %q", provider)
	}
}

func parseGitHubPush(payload []byte) (domain.PushEvent, error) {
	var push githubPush
	if err := json.Unmarshal(payload, &push); err != nil {
		return domain.PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	branch, ok := branchFromRef(push.Ref)
	if !ok || push.Repository.CloneURL == "" || push.HeadCommit == nil || push.HeadCommit.ID == "" {
		return domain.PushEvent{}, ErrMalformedPayload
	}
	event := domain.PushEvent{
		RepositoryURL: push.Repository.CloneURL,
		RepoFullName:  push.Repository.FullName,
		Branch:        branch,
		CommitSHA:     push.HeadCommit.ID,
		CommitMessage: push.HeadCommit.Message,
		CommitAuthor:  push.HeadCommit.Author.Name,
	}
	if push.Installation != nil && push.Installation.ID > 0 {
		event.InstallationID = strconv.FormatInt(push.Installation.ID, 10)
	}
	return event, nil
}

func parseGitLabPush(payload []byte) (domain.PushEvent, error) {
	var push gitlabPush
	if err := json.Unmarshal(payload, &push); err != nil {
		return domain.PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	branch, ok := branchFromRef(push.Ref)
	sha := push.CheckoutSHA
	if sha == "" {
		sha = push.After
	}
	if !ok || push.Project.GitHTTPURL == "" || sha == "" {
		return domain.PushEvent{}, ErrMalformedPayload
	}
	event := domain.PushEvent{
		RepositoryURL: push.Project.GitHTTPURL,
		RepoFullName:  push.Project.PathWithNamespace,
		Branch:        branch,
		CommitSHA:     sha,
		CommitAuthor:  push.UserName,
	}
	for _, commit := range push.Commits {
		if commit.ID == sha {
			event.CommitMessage = strings.TrimSpace(commit.Message)
			if commit.Author.Name != "" {
				event.CommitAuthor = commit.Author.Name
			}
			break
		}
	}
	return event, nil
}

func branchFromRef(ref string) (string, bool) {
	if !strings.HasPrefix(ref, branchRefPrefix) {
		return "", false
	}
	branch := strings.TrimPrefix(ref, branchRefPrefix)
	return branch, branch != ""
}
