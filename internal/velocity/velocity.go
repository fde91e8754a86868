// Package velocity counts customer contacts over a rolling window.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultWindow is the contact-frequency window when none is configured.
const DefaultWindow = 30 * 24 * time.Hour

// Service tracks how often a customer has contacted a tenant.
// Counts come from the cache's sliding-window counter; when the cache is
// unavailable they are reconstructed from the audit trail.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration

	now func() time.Time
}

// NewService creates a new contact counter. Either repo or cache may be nil,
// but not both.
func NewService(repo domain.Repository, cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		window: window,
		now:    time.Now,
	}
}

// Window returns the rolling window length.
func (s *Service) Window() time.Duration {
	return s.window
}

// RecordContact registers one contact from customerID and returns the
// number of contacts within the window, including this one.
func (s *Service) RecordContact(ctx context.Context, tenantID, customerID string) (int64, error) {
	if tenantID == "" || customerID == "" {
		return 0, fmt.Errorf("tenantID and customerID are required")
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, tenantID, contactKey(customerID), s.window)
		if err == nil {
			return count, nil
		}
		slog.Warn("contact counter unavailable, falling back to audit trail",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	if s.repo != nil {
		return s.countFromRepo(ctx, tenantID, customerID)
	}

	return 0, fmt.Errorf("no data source available")
}

// countFromRepo counts prior audited decisions for the customer and adds
// the current contact.
func (s *Service) countFromRepo(ctx context.Context, tenantID, customerID string) (int64, error) {
	since := s.now().Add(-s.window)
	n, err := s.repo.CountDecisionsByActor(ctx, tenantID, customerID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count contacts: %w", err)
	}
	return n + 1, nil
}

func contactKey(customerID string) string {
	return "contact:" + customerID
}
