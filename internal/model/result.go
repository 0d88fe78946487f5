package model

import "time"

// ContactClass partitions saved results by the contact data they carry.
type ContactClass string

const (
	ContactPhone     ContactClass = "phone"
	ContactEmailOnly ContactClass = "email_only"
)

// VerifyStatus is the verification outcome attached to a result.
type VerifyStatus string

const (
	// VerifyStatusVerified means the verification backend confirmed the match.
	VerifyStatusVerified VerifyStatus = "verified"
	// VerifyStatusUnverified means verification was attempted but did not confirm.
	VerifyStatusUnverified VerifyStatus = "unverified"
	// VerifyStatusReceived means the record was saved without a verification attempt.
	VerifyStatusReceived VerifyStatus = "received"
)

// Verification is the verification backend's response for one phone.
type Verification struct {
	Verified   bool    `json:"verified"`
	MatchScore float64 `json:"match_score"`
	Source     string  `json:"source,omitempty"`
	Age        int     `json:"age,omitempty"`
	Carrier    string  `json:"carrier,omitempty"`
}

// SearchResult is one saved record of a task.
type SearchResult struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	ExternalID   string        `json:"external_id"`
	Record       PersonRecord  `json:"record"`
	ContactClass ContactClass  `json:"contact_class"`
	VerifyStatus VerifyStatus  `json:"verify_status"`
	Verification *Verification `json:"verification,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}
