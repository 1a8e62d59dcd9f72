package store

import (
	"cmp"
	"context"
	"math/rand"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/practicase/practicase/pkg/models"
)

// Memory is an in-process Store used by tests and by single-node runs
// without a database. All methods return copies; callers never share
// memory with the store.
type Memory struct {
	mu sync.RWMutex

	sessions     map[string]*models.Session              // id → session
	participants map[string]map[string]*models.Participant // session id → user id → row
	feedback     map[string]*models.Feedback             // unique key → row
	cases        map[string]*models.Case                 // id → case
	userNames    map[string]string                       // user id → display name

	rand *rand.Rand
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Store {
	m := &Memory{
		sessions:     make(map[string]*models.Session),
		participants: make(map[string]map[string]*models.Participant),
		feedback:     make(map[string]*models.Feedback),
		cases:        make(map[string]*models.Case),
		userNames:    make(map[string]string),
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	return &Store{
		Sessions:     (*memorySessions)(m),
		Participants: (*memoryParticipants)(m),
		Feedback:     (*memoryFeedback)(m),
		Cases:        (*memoryCases)(m),
	}
}

// AddCase seeds a case. Test helper.
func AddCase(s *Store, c *models.Case) {
	m := (*Memory)(s.Cases.(*memoryCases))
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.cases[c.ID] = &cp
}

type memorySessions Memory

func (m *memorySessions) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memorySessions) Save(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memorySessions) FindByID(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *memorySessions) FindByCode(_ context.Context, code string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Prefer the live session for the code; completed sessions keep their
	// code for history but are not addressable.
	for _, s := range m.sessions {
		if s.Code == code && !s.IsCompleted() {
			return s.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memorySessions) FindLatestByCode(_ context.Context, code string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Session
	for _, s := range m.sessions {
		if s.Code != code {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (m *memorySessions) CodeInUse(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Code == code && !s.IsCompleted() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memorySessions) FindActive(_ context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if !s.IsCompleted() {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *memorySessions) CountActive(ctx context.Context) (int, error) {
	active, err := m.FindActive(ctx)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

type memoryParticipants Memory

func (m *memoryParticipants) Upsert(_ context.Context, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.participants[p.SessionID]
	if !ok {
		rows = make(map[string]*models.Participant)
		m.participants[p.SessionID] = rows
	}
	cp := *p
	rows[p.UserID] = &cp
	if p.UserName != "" {
		m.userNames[p.UserID] = p.UserName
	}
	return nil
}

func (m *memoryParticipants) FindBySessionAndUser(_ context.Context, sessionID, userID string) (*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[sessionID][userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.hydrate(p), nil
}

func (m *memoryParticipants) FindActiveBySession(_ context.Context, sessionID string) ([]*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Participant
	for _, p := range m.participants[sessionID] {
		if p.IsActive {
			out = append(out, m.hydrate(p))
		}
	}
	sortByJoinedAt(out)
	return out, nil
}

func (m *memoryParticipants) FindBySession(_ context.Context, sessionID string) ([]*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Participant
	for _, p := range m.participants[sessionID] {
		out = append(out, m.hydrate(p))
	}
	sortByJoinedAt(out)
	return out, nil
}

func (m *memoryParticipants) FindActiveByUser(_ context.Context, userID string) ([]*models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Participant
	for _, rows := range m.participants {
		if p, ok := rows[userID]; ok && p.IsActive {
			out = append(out, m.hydrate(p))
		}
	}
	sortByJoinedAt(out)
	return out, nil
}

func (m *memoryParticipants) ResetRoundFlags(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants[sessionID] {
		p.HasCompleted = false
		p.HasGivenFeedback = false
	}
	return nil
}

func (m *memoryParticipants) hydrate(p *models.Participant) *models.Participant {
	cp := *p
	if name, ok := m.userNames[p.UserID]; ok {
		cp.UserName = name
	}
	return &cp
}

func sortByJoinedAt(ps []*models.Participant) {
	slices.SortFunc(ps, func(a, b *models.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
}

type memoryFeedback Memory

func feedbackKey(sessionID, senderID, caseID string, round int) string {
	return sessionID + "|" + senderID + "|" + caseID + "|" + strconv.Itoa(round)
}

func (m *memoryFeedback) Upsert(_ context.Context, f *models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := feedbackKey(f.SessionID, f.SenderUserID, f.CaseID, f.RoundNumber)
	if prev, ok := m.feedback[key]; ok {
		f.ID = prev.ID
		f.CreatedAt = prev.CreatedAt
	}
	cp := *f
	cp.CriteriaScores = slices.Clone(f.CriteriaScores)
	m.feedback[key] = &cp
	return nil
}

func (m *memoryFeedback) FindBySessionAndSender(_ context.Context, sessionID, senderID string) ([]*models.Feedback, error) {
	return m.filter(func(f *models.Feedback) bool {
		return f.SessionID == sessionID && f.SenderUserID == senderID
	})
}

func (m *memoryFeedback) FindByRound(_ context.Context, sessionID, caseID string, round int) ([]*models.Feedback, error) {
	return m.filter(func(f *models.Feedback) bool {
		return f.SessionID == sessionID && f.CaseID == caseID && f.RoundNumber == round
	})
}

func (m *memoryFeedback) FindBySession(_ context.Context, sessionID string) ([]*models.Feedback, error) {
	return m.filter(func(f *models.Feedback) bool {
		return f.SessionID == sessionID
	})
}

func (m *memoryFeedback) filter(keep func(*models.Feedback) bool) ([]*models.Feedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Feedback
	for _, f := range m.feedback {
		if keep(f) {
			cp := *f
			cp.CriteriaScores = slices.Clone(f.CriteriaScores)
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.Feedback) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

type memoryCases Memory

func (m *memoryCases) FindByID(_ context.Context, id string) (*models.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memoryCases) PickRandomByCategories(_ context.Context, categories []string, excludeIDs []string) (*models.Case, error) {
	// Write lock: rand is not safe under concurrent readers.
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pick(func(c *models.Case) bool {
		return slices.Contains(categories, c.Category)
	}, excludeIDs)
}

func (m *memoryCases) PickRandomByDateRange(_ context.Context, from, to time.Time, excludeIDs []string) (*models.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pick(func(c *models.Case) bool {
		return !c.CreatedAt.Before(from) && !c.CreatedAt.After(to)
	}, excludeIDs)
}

func (m *memoryCases) CategoriesWithRemaining(_ context.Context, categories []string, excludeIDs []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, cat := range categories {
		for _, c := range m.cases {
			if c.Category == cat && !slices.Contains(excludeIDs, c.ID) {
				out = append(out, cat)
				break
			}
		}
	}
	return out, nil
}

func (m *memoryCases) pick(match func(*models.Case) bool, excludeIDs []string) (*models.Case, error) {
	var candidates []*models.Case
	for _, c := range m.cases {
		if match(c) && !slices.Contains(excludeIDs, c.ID) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNotFound
	}
	cp := *candidates[m.rand.Intn(len(candidates))]
	return &cp, nil
}
