package models

import (
	"math"
	"time"
)

// SubScore is a single sub-criterion score inside a criterion.
type SubScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// CriterionScore carries either a direct score or a list of sub-scores
// for one feedback criterion. When SubScores is non-empty the criterion's
// effective score is their arithmetic mean.
type CriterionScore struct {
	Name      string     `json:"name"`
	Score     *float64   `json:"score,omitempty"`
	SubScores []SubScore `json:"sub_scores,omitempty"`
}

// Effective returns the criterion's contribution to overall performance:
// the direct score if present, otherwise the mean of the sub-scores.
func (c CriterionScore) Effective() float64 {
	if c.Score != nil {
		return *c.Score
	}
	if len(c.SubScores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.SubScores {
		sum += s.Score
	}
	return sum / float64(len(c.SubScores))
}

// Feedback is one sender's assessment of the round's doctor. Unique per
// (SessionID, SenderUserID, CaseID, RoundNumber); a repeat submission in
// the same round replaces the earlier row.
type Feedback struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	SenderUserID    string           `json:"sender_user_id"`
	RecipientUserID string           `json:"recipient_user_id"`
	CaseID          string           `json:"case_id"`
	RoundNumber     int              `json:"round_number"`
	Comment         string           `json:"comment"`
	CriteriaScores  []CriterionScore `json:"criteria_scores"`

	// OverallPerformance is derived: the sum of effective criterion
	// scores. LegacyRating is its rounded integer form.
	OverallPerformance float64 `json:"overall_performance"`
	LegacyRating       int     `json:"legacy_rating"`

	CreatedAt time.Time `json:"created_at"`
}

// ComputeOverallPerformance derives the aggregate score from the criteria
// and fills the derived fields on f.
func (f *Feedback) ComputeOverallPerformance() {
	var total float64
	for _, c := range f.CriteriaScores {
		total += c.Effective()
	}
	f.OverallPerformance = total
	f.LegacyRating = int(math.Round(total))
}
