package messages

import "time"

// TopicSignCompleted carries one message per finished sign attempt, whatever
// the outcome. The stats service builds its per-account counters from it.
const TopicSignCompleted = "checkin.sign.completed"

type SignCompleted struct {
	Phone      string    `json:"phone"`
	Username   string    `json:"username,omitempty"`
	AttemptAt  time.Time `json:"attempt_at"`
	Outcome    string    `json:"outcome"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	ActiveID   string    `json:"active_id,omitempty"`
	ActiveName string    `json:"active_name,omitempty"`
	Modality   string    `json:"modality,omitempty"`
	CourseID   string    `json:"course_id,omitempty"`

	// Source tells scheduler runs apart from monitor hits and manual kicks.
	Source string `json:"source,omitempty"`
}
