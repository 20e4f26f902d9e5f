package models

import (
	"fmt"
	"time"
)

// Modality codes as reported by the remote service (otherId field).
type Modality int

const (
	ModalityGeneral  Modality = 0 // plain tap sign, or photo when the event carries ifphoto=1
	ModalityQR       Modality = 2
	ModalityGesture  Modality = 3
	ModalityLocation Modality = 4
	ModalityCode     Modality = 5
)

func (m Modality) Valid() bool {
	switch m {
	case ModalityGeneral, ModalityQR, ModalityGesture, ModalityLocation, ModalityCode:
		return true
	}
	return false
}

func (m Modality) String() string {
	switch m {
	case ModalityGeneral:
		return "general"
	case ModalityQR:
		return "qrcode"
	case ModalityGesture:
		return "gesture"
	case ModalityLocation:
		return "location"
	case ModalityCode:
		return "code"
	}
	return fmt.Sprintf("modality(%d)", int(m))
}

// CourseRef identifies one enrollment: (courseId, classId).
type CourseRef struct {
	CourseID string `json:"courseId"`
	ClassID  string `json:"classId"`
}

// CheckinEvent is a currently-open attendance activity discovered for one
// account. It lives only for the duration of a single sign attempt.
type CheckinEvent struct {
	ActiveID     string    `json:"activeId"`
	Name         string    `json:"name"`
	Course       CourseRef `json:"course"`
	Modality     Modality  `json:"modality"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// GeoPreset is a saved coordinate used for location check-ins. Presets are
// tried strictly in list order.
type GeoPreset struct {
	Longitude float64 `json:"lon"`
	Latitude  float64 `json:"lat"`
	Address   string  `json:"address"`
}
