package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/practicase/practicase/pkg/models"
)

// NewPostgres wires the repositories on top of a pgx connection pool.
func NewPostgres(pool *pgxpool.Pool) *Store {
	return &Store{
		Sessions:     &pgSessions{pool: pool},
		Participants: &pgParticipants{pool: pool},
		Feedback:     &pgFeedback{pool: pool},
		Cases:        &pgCases{pool: pool},
	}
}

type pgSessions struct {
	pool *pgxpool.Pool
}

const sessionColumns = `id, code, title, status, phase,
	reading_minutes, consultation_minutes, timing_type, session_type,
	selected_topics, recall_from, recall_to,
	selected_case_id, used_case_ids,
	phase_start_time, timer_start_timestamp, current_round,
	created_by_user_id, created_at, started_at, ended_at`

func (r *pgSessions) Create(ctx context.Context, s *models.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		sessionArgs(s)...)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *pgSessions) Save(ctx context.Context, s *models.Session) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET
			code = $2, title = $3, status = $4, phase = $5,
			reading_minutes = $6, consultation_minutes = $7, timing_type = $8, session_type = $9,
			selected_topics = $10, recall_from = $11, recall_to = $12,
			selected_case_id = $13, used_case_ids = $14,
			phase_start_time = $15, timer_start_timestamp = $16, current_round = $17,
			created_by_user_id = $18, created_at = $19, started_at = $20, ended_at = $21
		WHERE id = $1`,
		sessionArgs(s)...)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func sessionArgs(s *models.Session) []any {
	return []any{
		s.ID, s.Code, s.Title, s.Status, s.Phase,
		s.Config.ReadingMinutes, s.Config.ConsultationMinutes, s.Config.TimingType, s.Config.SessionType,
		s.Config.SelectedTopics, s.Config.RecallFrom, s.Config.RecallTo,
		nullIfEmpty(s.SelectedCaseID), s.UsedCaseIDs,
		s.PhaseStartTime, s.TimerStartTimestamp, s.CurrentRound,
		s.CreatedByUserID, s.CreatedAt, s.StartedAt, s.EndedAt,
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s              models.Session
		selectedCaseID *string
	)
	err := row.Scan(
		&s.ID, &s.Code, &s.Title, &s.Status, &s.Phase,
		&s.Config.ReadingMinutes, &s.Config.ConsultationMinutes, &s.Config.TimingType, &s.Config.SessionType,
		&s.Config.SelectedTopics, &s.Config.RecallFrom, &s.Config.RecallTo,
		&selectedCaseID, &s.UsedCaseIDs,
		&s.PhaseStartTime, &s.TimerStartTimestamp, &s.CurrentRound,
		&s.CreatedByUserID, &s.CreatedAt, &s.StartedAt, &s.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if selectedCaseID != nil {
		s.SelectedCaseID = *selectedCaseID
	}
	return &s, nil
}

func (r *pgSessions) FindByID(ctx context.Context, id string) (*models.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *pgSessions) FindByCode(ctx context.Context, code string) (*models.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE code = $1 AND status != 'COMPLETED'
		ORDER BY created_at DESC LIMIT 1`, code)
	return scanSession(row)
}

func (r *pgSessions) FindLatestByCode(ctx context.Context, code string) (*models.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE code = $1
		ORDER BY created_at DESC LIMIT 1`, code)
	return scanSession(row)
}

func (r *pgSessions) CodeInUse(ctx context.Context, code string) (bool, error) {
	var inUse bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE code = $1 AND status != 'COMPLETED')`,
		code).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return inUse, nil
}

func (r *pgSessions) FindActive(ctx context.Context) ([]*models.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status != 'COMPLETED'
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgSessions) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status != 'COMPLETED'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

type pgParticipants struct {
	pool *pgxpool.Pool
}

func (r *pgParticipants) Upsert(ctx context.Context, p *models.Participant) error {
	// Keep the users table current so join-fetched reads carry the
	// latest display name.
	if p.UserName != "" {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO users (id, name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
			p.UserID, p.UserName)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO participants (session_id, user_id, role, is_active, has_completed, has_given_feedback, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			is_active = EXCLUDED.is_active,
			has_completed = EXCLUDED.has_completed,
			has_given_feedback = EXCLUDED.has_given_feedback`,
		p.SessionID, p.UserID, p.Role, p.IsActive, p.HasCompleted, p.HasGivenFeedback, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

const participantSelect = `
	SELECT p.session_id, p.user_id, p.role, p.is_active, p.has_completed, p.has_given_feedback, p.joined_at,
	       COALESCE(u.name, '')
	FROM participants p
	LEFT JOIN users u ON u.id = p.user_id`

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.SessionID, &p.UserID, &p.Role, &p.IsActive,
		&p.HasCompleted, &p.HasGivenFeedback, &p.JoinedAt, &p.UserName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	return &p, nil
}

func (r *pgParticipants) FindBySessionAndUser(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	row := r.pool.QueryRow(ctx, participantSelect+` WHERE p.session_id = $1 AND p.user_id = $2`,
		sessionID, userID)
	return scanParticipant(row)
}

func (r *pgParticipants) FindActiveBySession(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	return r.query(ctx, participantSelect+` WHERE p.session_id = $1 AND p.is_active ORDER BY p.joined_at, p.user_id`,
		sessionID)
}

func (r *pgParticipants) FindBySession(ctx context.Context, sessionID string) ([]*models.Participant, error) {
	return r.query(ctx, participantSelect+` WHERE p.session_id = $1 ORDER BY p.joined_at, p.user_id`,
		sessionID)
}

func (r *pgParticipants) FindActiveByUser(ctx context.Context, userID string) ([]*models.Participant, error) {
	return r.query(ctx, participantSelect+` WHERE p.user_id = $1 AND p.is_active ORDER BY p.joined_at`,
		userID)
}

func (r *pgParticipants) ResetRoundFlags(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE participants SET has_completed = FALSE, has_given_feedback = FALSE
		WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to reset round flags: %w", err)
	}
	return nil
}

func (r *pgParticipants) query(ctx context.Context, sql string, args ...any) ([]*models.Participant, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type pgFeedback struct {
	pool *pgxpool.Pool
}

func (r *pgFeedback) Upsert(ctx context.Context, f *models.Feedback) error {
	scores, err := json.Marshal(f.CriteriaScores)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria scores: %w", err)
	}
	// The unique index on (session_id, sender_user_id, case_id, round_number)
	// makes a repeat submission replace the earlier row.
	err = r.pool.QueryRow(ctx, `
		INSERT INTO feedback (id, session_id, sender_user_id, recipient_user_id, case_id, round_number,
			comment, criteria_scores, overall_performance, legacy_rating, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id, sender_user_id, case_id, round_number) DO UPDATE SET
			recipient_user_id = EXCLUDED.recipient_user_id,
			comment = EXCLUDED.comment,
			criteria_scores = EXCLUDED.criteria_scores,
			overall_performance = EXCLUDED.overall_performance,
			legacy_rating = EXCLUDED.legacy_rating
		RETURNING id, created_at`,
		f.ID, f.SessionID, f.SenderUserID, f.RecipientUserID, f.CaseID, f.RoundNumber,
		f.Comment, scores, f.OverallPerformance, f.LegacyRating, f.CreatedAt).
		Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert feedback: %w", err)
	}
	return nil
}

const feedbackColumns = `id, session_id, sender_user_id, recipient_user_id, case_id, round_number,
	comment, criteria_scores, overall_performance, legacy_rating, created_at`

func scanFeedback(row pgx.Row) (*models.Feedback, error) {
	var (
		f      models.Feedback
		scores []byte
	)
	err := row.Scan(&f.ID, &f.SessionID, &f.SenderUserID, &f.RecipientUserID, &f.CaseID, &f.RoundNumber,
		&f.Comment, &scores, &f.OverallPerformance, &f.LegacyRating, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan feedback: %w", err)
	}
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &f.CriteriaScores); err != nil {
			return nil, fmt.Errorf("failed to unmarshal criteria scores: %w", err)
		}
	}
	return &f, nil
}

func (r *pgFeedback) FindBySessionAndSender(ctx context.Context, sessionID, senderID string) ([]*models.Feedback, error) {
	return r.query(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE session_id = $1 AND sender_user_id = $2 ORDER BY created_at`,
		sessionID, senderID)
}

func (r *pgFeedback) FindByRound(ctx context.Context, sessionID, caseID string, round int) ([]*models.Feedback, error) {
	return r.query(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE session_id = $1 AND case_id = $2 AND round_number = $3 ORDER BY created_at`,
		sessionID, caseID, round)
}

func (r *pgFeedback) FindBySession(ctx context.Context, sessionID string) ([]*models.Feedback, error) {
	return r.query(ctx, `SELECT `+feedbackColumns+` FROM feedback
		WHERE session_id = $1 ORDER BY created_at`, sessionID)
}

func (r *pgFeedback) query(ctx context.Context, sql string, args ...any) ([]*models.Feedback, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []*models.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type pgCases struct {
	pool *pgxpool.Pool
}

const caseColumns = `id, title, category, description, doctor_information, patient_information,
	COALESCE(additional_notes, ''), COALESCE(image_url, ''), feedback_criteria, created_at`

func scanCase(row pgx.Row) (*models.Case, error) {
	var (
		c        models.Case
		criteria []byte
	)
	err := row.Scan(&c.ID, &c.Title, &c.Category, &c.Description,
		&c.DoctorInformation, &c.PatientInformation, &c.AdditionalNotes, &c.ImageURL,
		&criteria, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &c.FeedbackCriteria); err != nil {
			return nil, fmt.Errorf("failed to unmarshal feedback criteria: %w", err)
		}
	}
	return &c, nil
}

func (r *pgCases) FindByID(ctx context.Context, id string) (*models.Case, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	return scanCase(row)
}

func (r *pgCases) PickRandomByCategories(ctx context.Context, categories []string, excludeIDs []string) (*models.Case, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE category = ANY($1) AND NOT (id = ANY($2))
		ORDER BY random() LIMIT 1`,
		categories, emptyToSlice(excludeIDs))
	return scanCase(row)
}

func (r *pgCases) PickRandomByDateRange(ctx context.Context, from, to time.Time, excludeIDs []string) (*models.Case, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+caseColumns+` FROM cases
		WHERE created_at BETWEEN $1 AND $2 AND NOT (id = ANY($3))
		ORDER BY random() LIMIT 1`,
		from, to, emptyToSlice(excludeIDs))
	return scanCase(row)
}

func (r *pgCases) CategoriesWithRemaining(ctx context.Context, categories []string, excludeIDs []string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT category FROM cases
		WHERE category = ANY($1) AND NOT (id = ANY($2))
		ORDER BY category`,
		categories, emptyToSlice(excludeIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query remaining categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cat string
		if err := rows.Scan(&cat); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, cat)
	}
	return out, rows.Err()
}

// emptyToSlice keeps ANY($n) well-typed when there are no exclusions.
func emptyToSlice(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
