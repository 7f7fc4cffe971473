package core

import "time"

// Opportunity is a permit opportunity discovered by the Scout agent.
type Opportunity struct {
	ProjectID            string    `json:"project_id"`
	PermitNumber         string    `json:"permit_number"`
	Address              string    `json:"address"`
	Borough              string    `json:"borough"`
	WorkType             string    `json:"work_type"` // e.g. "Electrical", "Plumbing"
	EstimatedProjectCost float64   `json:"estimated_project_cost"`
	GeneralContractor    string    `json:"general_contractor"`
	FiledAt              time.Time `json:"filed_at"`
}

// Document is a compliance document submitted for validation, typically a
// certificate of insurance or a signed waiver.
type Document struct {
	DocumentID string                 `json:"document_id"`
	ProjectID  string                 `json:"project_id"`
	Kind       string                 `json:"kind"` // e.g. "COI", "WAIVER", "PERMIT"
	Broker     string                 `json:"broker,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	ReceivedAt time.Time              `json:"received_at"`
}

// Deficiency names a single validation failure on a document.
type Deficiency struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// SiteFrame is one captured camera frame handed to the Watchman agent.
type SiteFrame struct {
	SiteID     string    `json:"site_id"`
	FrameID    string    `json:"frame_id"`
	CameraID   string    `json:"camera_id"`
	CapturedAt time.Time `json:"captured_at"`
	StorageRef string    `json:"storage_ref"` // opaque blob reference
}

// Violation is a field-verification finding on a site frame.
type Violation struct {
	SiteID     string    `json:"site_id"`
	FrameID    string    `json:"frame_id"`
	Code       string    `json:"code"` // e.g. "PPE_MISSING_HARDHAT"
	Severity   string    `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// AsValue reduces an opportunity to the generic map form used for hashing
// and agent input.
func (o Opportunity) AsValue() map[string]interface{} {
	return map[string]interface{}{
		"project_id":             o.ProjectID,
		"permit_number":          o.PermitNumber,
		"address":                o.Address,
		"borough":                o.Borough,
		"work_type":              o.WorkType,
		"estimated_project_cost": o.EstimatedProjectCost,
		"general_contractor":     o.GeneralContractor,
		"filed_at":               o.FiledAt,
	}
}

// AsValue reduces a document to the generic map form used for hashing and
// agent input.
func (d Document) AsValue() map[string]interface{} {
	v := map[string]interface{}{
		"document_id": d.DocumentID,
		"project_id":  d.ProjectID,
		"kind":        d.Kind,
		"received_at": d.ReceivedAt,
	}
	if d.Broker != "" {
		v["broker"] = d.Broker
	}
	if len(d.Fields) > 0 {
		v["fields"] = d.Fields
	}
	return v
}
