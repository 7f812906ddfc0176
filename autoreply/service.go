package autoreply

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/egor/ecochatserver/database"
	"github.com/egor/ecochatserver/models"
)

// Service keeps the template store and the live matcher in step.
type Service struct {
	store   database.TemplateStore
	matcher atomic.Pointer[Matcher]
	log     *zap.Logger
}

// NewService loads the current templates into a matcher.
func NewService(ctx context.Context, store database.TemplateStore, log *zap.Logger) (*Service, error) {
	s := &Service{store: store, log: log}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload rebuilds the matcher from the store and swaps it in.
func (s *Service) Reload(ctx context.Context) error {
	ts, err := s.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	s.matcher.Store(NewMatcher(ts))
	s.log.Debug("auto-reply templates loaded", zap.Int("count", len(ts)))
	return nil
}

// Match runs text against the current snapshot.
func (s *Service) Match(text string) []models.Template {
	return s.matcher.Load().Match(text)
}

func (s *Service) List(ctx context.Context) ([]models.Template, error) {
	return s.store.ListTemplates(ctx)
}

func validateTemplate(t models.Template) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: template title is required", models.ErrValidation)
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: template body is required", models.ErrValidation)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, t models.Template) (models.Template, error) {
	if err := validateTemplate(t); err != nil {
		return models.Template{}, err
	}
	created, err := s.store.CreateTemplate(ctx, t)
	if err != nil {
		return models.Template{}, err
	}
	return created, s.Reload(ctx)
}

func (s *Service) Update(ctx context.Context, t models.Template) (models.Template, error) {
	if err := validateTemplate(t); err != nil {
		return models.Template{}, err
	}
	updated, err := s.store.UpdateTemplate(ctx, t)
	if err != nil {
		return models.Template{}, err
	}
	return updated, s.Reload(ctx)
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Use returns the body of a template so the agent can edit it as a draft.
func (s *Service) Use(ctx context.Context, id int64) (string, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return "", err
	}
	return t.Body, nil
}
