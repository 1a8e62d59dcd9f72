package models

import "time"

// FeedbackCriterion describes one rubric item attached to a case. Criteria
// with SubCriteria are scored as the mean of their sub-scores.
type FeedbackCriterion struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	SubCriteria []string `json:"sub_criteria,omitempty"`
}

// Case is the clinical scenario played in one round. Content authoring and
// image hosting live outside the core; the orchestrator only selects cases
// and projects them per role.
type Case struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`

	Description        string `json:"description"`
	DoctorInformation  string `json:"doctor_information"`
	PatientInformation string `json:"patient_information"`
	AdditionalNotes    string `json:"additional_notes,omitempty"`
	ImageURL           string `json:"image_url,omitempty"`

	FeedbackCriteria []FeedbackCriterion `json:"feedback_criteria"`

	CreatedAt time.Time `json:"created_at"`
}
