package resolver

import (
	"context"
	"strings"
	"testing"

	"github.com/slipway-sh/slipway/internal/domain"
	"github.com/slipway-sh/slipway/internal/repository"
)

type fakeServiceRepo struct {
	storedURL string
	service   *domain.Service
	lastQuery []string
}

func (f *fakeServiceRepo) GetServiceByID(ctx context.Context, id string) (*domain.Service, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeServiceRepo) FindServiceBySourceURL(ctx context.Context, candidates []string) (*domain.Service, error) {
	f.lastQuery = candidates
	stored := strings.ToLower(f.storedURL)
	for _, c := range candidates {
		if strings.ToLower(c) == stored {
			return f.service, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeServiceRepo) UpdateServiceImage(ctx context.Context, serviceID, image, tag string) error {
	return nil
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://github.com/Acme/Widgets.git", "https://github.com/acme/widgets"},
		{"https://github.com/acme/widgets/", "https://github.com/acme/widgets"},
		{"https://GitHub.com/ACME/widgets", "https://github.com/acme/widgets"},
		{"  https://github.com/acme/widgets.git  ", "https://github.com/acme/widgets"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveMatchesURLVariants(t *testing.T) {
	svc := &domain.Service{ID: "svc-1", SourceKind: domain.SourceGit, RepoURL: "https://github.com/acme/widgets.git"}
	repo := &fakeServiceRepo{storedURL: svc.RepoURL, service: svc}
	r := New(repo)

	variants := []string{
		"https://github.com/acme/widgets",
		"https://github.com/acme/widgets.git",
		"https://github.com/acme/widgets/",
		"https://github.com/ACME/Widgets.git",
	}
	for _, url := range variants {
		got, err := r.Resolve(context.Background(), url)
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", url, err)
		}
		if got == nil || got.ID != svc.ID {
			t.Errorf("Resolve(%q) = %v, want service %s", url, got, svc.ID)
		}
	}
}

func TestResolveUnknownRepositoryIsNotAnError(t *testing.T) {
	repo := &fakeServiceRepo{storedURL: "https://github.com/acme/widgets"}
	r := New(repo)

	got, err := r.Resolve(context.Background(), "https://github.com/stranger/elsewhere")
	if err != nil {
		t.Fatalf("expected nil error for unknown repository, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil service for unknown repository, got %+v", got)
	}
}

func TestResolveEmptyURL(t *testing.T) {
	repo := &fakeServiceRepo{}
	r := New(repo)
	got, err := r.Resolve(context.Background(), "   ")
	if err != nil || got != nil {
		t.Fatalf("expected no-op for empty URL, got %v, %v", got, err)
	}
	if repo.lastQuery != nil {
		t.Fatalf("expected no repository lookup for empty URL")
	}
}
