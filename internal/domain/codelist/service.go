package codelist

import (
	"context"
	"fmt"
)

// registryPageSize bounds each page fetched while materializing a registry.
const registryPageSize = 100

// Service provides codelist lookup operations over a Repository.
type Service struct {
	repo Repository
}

// NewService creates a new codelist service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns one page of codelists and the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Codelist, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// Get looks up a single codelist by name.
func (s *Service) Get(ctx context.Context, name string) (*Codelist, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	return s.repo.GetByName(ctx, name)
}

// Filter returns the named codelist restricted to the given categories.
func (s *Service) Filter(ctx context.Context, name string, categories []string) (*Codelist, error) {
	cl, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return cl, nil
	}
	for _, cat := range categories {
		if !cl.HasCategory(cat) {
			return nil, fmt.Errorf("codelist %s has no category %q", name, cat)
		}
	}
	return cl.FilterByCategory(categories...), nil
}

// Registry loads every codelist known to the repository into a Registry.
func (s *Service) Registry(ctx context.Context) (*Registry, error) {
	var all []*Codelist
	for offset := 0; ; offset += registryPageSize {
		page, total, err := s.repo.List(ctx, registryPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("load codelists: %w", err)
		}
		all = append(all, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}
	return NewRegistry(all...), nil
}
