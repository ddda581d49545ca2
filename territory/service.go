package territory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInactive signals a territory exists but no longer accepts new windows.
var ErrInactive = errors.New("territory: inactive")

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Territory, error)
	List(ctx context.Context, limit int) ([]Territory, error)
}

type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetByID(ctx context.Context, id string) (Territory, error) {
	if strings.TrimSpace(id) == "" {
		return Territory{}, ErrNotFound
	}
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit territories. Inactive ones are omitted unless
// includeInactive is set.
func (s *Service) List(ctx context.Context, limit int, includeInactive bool) ([]Territory, error) {
	all, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if includeInactive {
		return all, nil
	}
	out := all[:0]
	for _, t := range all {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

// RequireActive returns the territory if it exists and is active. Window
// creation calls it before opening a window in the territory.
func (s *Service) RequireActive(ctx context.Context, id string) (Territory, error) {
	t, err := s.GetByID(ctx, id)
	if err != nil {
		return Territory{}, err
	}
	if !t.Active {
		return Territory{}, fmt.Errorf("%w: %s", ErrInactive, id)
	}
	return t, nil
}
