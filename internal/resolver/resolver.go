package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/repository"
)

// Resolver maps inbound clone URLs onto registered services. Providers and
// users format clone URLs inconsistently (trailing slash, optional .git
// suffix, casing of org segments), so lookup happens on a normalized form
// plus its .git variants.
type Resolver struct {
	services repository.ServiceRepository
}

// New constructs a Resolver.
func New(services repository.ServiceRepository) Resolver {
	return Resolver{services: services}
}

// Normalize lower-cases a repository URL and strips the trailing slash and
// optional .git suffix.
func Normalize(repoURL string) string {
	url := strings.ToLower(strings.TrimSpace(repoURL))
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	return url
}

// Resolve finds the service owning a repository URL. A missing match is not
// an error: the webhook receiver is shared across all tenants and most
// deliveries reference repositories it does not manage.
func (r Resolver) Resolve(ctx context.Context, repoURL string) (*domain.Service, error) {
	normalized := Normalize(repoURL)
	if normalized == "" {
		return nil, nil
	}
	candidates := []string{normalized, normalized + ".git"}
	service, err := r.services.FindServiceBySourceURL(ctx, candidates)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return service, nil
}
