// Package store defines the repository contracts the orchestration core
// persists through, with Postgres and in-memory implementations. Each
// repository call is transactional on its own; the core never coordinates
// multi-entity transactions across calls.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/practicase/practicase/pkg/models"
)

// ErrNotFound is returned when a looked-up entity does not exist. Case
// picking returns it when no case matches the topic set and exclusions.
var ErrNotFound = errors.New("entity not found")

// SessionRepository persists sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	Save(ctx context.Context, s *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindByCode(ctx context.Context, code string) (*models.Session, error)
	// FindLatestByCode also considers completed sessions, returning the
	// most recent holder of the code (feedback stays queryable after a
	// session completes).
	FindLatestByCode(ctx context.Context, code string) (*models.Session, error)
	// CodeInUse reports whether the code is taken by a non-completed
	// session (codes are recycled once a session completes).
	CodeInUse(ctx context.Context, code string) (bool, error)
	// FindActive returns all non-completed sessions.
	FindActive(ctx context.Context) ([]*models.Session, error)
	CountActive(ctx context.Context) (int, error)
}

// ParticipantRepository persists the (session, user) participant rows.
// Rows are upserted: a rejoin reactivates the existing row.
type ParticipantRepository interface {
	Upsert(ctx context.Context, p *models.Participant) error
	FindBySessionAndUser(ctx context.Context, sessionID, userID string) (*models.Participant, error)
	FindActiveBySession(ctx context.Context, sessionID string) ([]*models.Participant, error)
	FindBySession(ctx context.Context, sessionID string) ([]*models.Participant, error)
	// FindActiveByUser returns the user's active participations across
	// all sessions (used to enforce the one-live-session rule).
	FindActiveByUser(ctx context.Context, userID string) ([]*models.Participant, error)
	// ResetRoundFlags clears completion and feedback flags on every row
	// of the session when a new round begins.
	ResetRoundFlags(ctx context.Context, sessionID string) error
}

// FeedbackRepository persists round-scoped feedback rows, unique per
// (sessionID, senderUserID, caseID, roundNumber).
type FeedbackRepository interface {
	// Upsert inserts the row or, when the unique key already exists,
	// replaces the earlier submission.
	Upsert(ctx context.Context, f *models.Feedback) error
	FindBySessionAndSender(ctx context.Context, sessionID, senderID string) ([]*models.Feedback, error)
	FindByRound(ctx context.Context, sessionID, caseID string, round int) ([]*models.Feedback, error)
	FindBySession(ctx context.Context, sessionID string) ([]*models.Feedback, error)
}

// CaseRepository selects case content. Authoring and storage of cases live
// outside the core.
type CaseRepository interface {
	FindByID(ctx context.Context, id string) (*models.Case, error)
	// PickRandomByCategories returns a random case from the given
	// categories whose id is not in excludeIDs, or ErrNotFound.
	PickRandomByCategories(ctx context.Context, categories []string, excludeIDs []string) (*models.Case, error)
	// PickRandomByDateRange is the recall-mode selector.
	PickRandomByDateRange(ctx context.Context, from, to time.Time, excludeIDs []string) (*models.Case, error)
	// CategoriesWithRemaining returns the subset of categories that still
	// have at least one case outside excludeIDs.
	CategoriesWithRemaining(ctx context.Context, categories []string, excludeIDs []string) ([]string, error)
}

// Store bundles the repositories the orchestrator depends on.
type Store struct {
	Sessions     SessionRepository
	Participants ParticipantRepository
	Feedback     FeedbackRepository
	Cases        CaseRepository
}
