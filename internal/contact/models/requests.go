package models

import (
	"strings"

	dErrors "idlink/pkg/domain-errors"
)

// IdentifyRequest is the single submission shape: at least one identifier
// must be present.
type IdentifyRequest struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
}

// Normalize trims surrounding whitespace so equality checks and store
// lookups see canonical values.
func (r *IdentifyRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.PhoneNumber = strings.TrimSpace(r.PhoneNumber)
}

// Validate rejects submissions carrying no identifier at all. Syntactic
// shape of email/phone values is owned by upstream validation.
func (r *IdentifyRequest) Validate() error {
	if r.Email == "" && r.PhoneNumber == "" {
		return dErrors.New(dErrors.CodeValidation, "at least one of email or phoneNumber must be provided")
	}
	return nil
}

// ClusterView is the merged identity returned for a submission.
type ClusterView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse is the wire envelope around a ClusterView.
type IdentifyResponse struct {
	Contact *ClusterView `json:"contact"`
}
