package models

import (
	"time"

	dErrors "idlink/pkg/domain-errors"
)

// Precedence marks a contact as its cluster's canonical record or as a
// secondary observation linked to one.
type Precedence string

const (
	PrecedencePrimary   Precedence = "primary"
	PrecedenceSecondary Precedence = "secondary"
)

func (p Precedence) IsValid() bool {
	return p == PrecedencePrimary || p == PrecedenceSecondary
}

// Contact is one observation of a customer identity.
//
// Invariants:
//   - At least one of Email/PhoneNumber is non-empty
//   - Exactly one contact per cluster is primary with LinkedID == nil
//   - Every secondary links directly to its cluster's current primary,
//     never to another secondary
//   - The primary is the oldest cluster member by CreatedAt, ties broken
//     by lowest ID
//   - ID, Email, PhoneNumber and CreatedAt never change after creation;
//     Precedence and LinkedID are rewritten only when a merge absorbs the
//     contact's cluster into an older one
type Contact struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email,omitempty"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	LinkedID    *int64     `json:"linked_id,omitempty"`
	Precedence  Precedence `json:"link_precedence"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

func (c *Contact) IsPrimary() bool {
	return c.Precedence == PrecedencePrimary
}

// HasExactPair reports whether this contact carries exactly the submitted
// (email, phone) pair. Absent fields only match absent fields: a submission
// that supplies a value the stored contact lacks is new information, not a
// repeat.
func (c *Contact) HasExactPair(email, phoneNumber string) bool {
	return c.Email == email && c.PhoneNumber == phoneNumber
}

// OlderThan orders contacts for primary election: earlier CreatedAt wins,
// lowest ID breaks ties.
func (c *Contact) OlderThan(other *Contact) bool {
	if c.CreatedAt.Equal(other.CreatedAt) {
		return c.ID < other.ID
	}
	return c.CreatedAt.Before(other.CreatedAt)
}

// Demote rewrites a primary into a secondary of the kept cluster root.
// Called exactly once per merge event, on the absorbed primary.
func (c *Contact) Demote(keptID int64, now time.Time) {
	c.Precedence = PrecedenceSecondary
	c.LinkedID = &keptID
	c.UpdatedAt = now
}

// Relink re-points a secondary at the kept cluster root after a merge so no
// multi-hop chains survive.
func (c *Contact) Relink(keptID int64, now time.Time) {
	c.LinkedID = &keptID
	c.UpdatedAt = now
}

// NewPrimary constructs the first contact of a brand-new cluster.
func NewPrimary(email, phoneNumber string, now time.Time) (*Contact, error) {
	if email == "" && phoneNumber == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contact requires an email or phone number")
	}
	return &Contact{
		Email:       email,
		PhoneNumber: phoneNumber,
		Precedence:  PrecedencePrimary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewSecondary constructs a contact recording new information for an
// existing cluster, linked directly to its primary.
func NewSecondary(email, phoneNumber string, primaryID int64, now time.Time) (*Contact, error) {
	if email == "" && phoneNumber == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contact requires an email or phone number")
	}
	return &Contact{
		Email:       email,
		PhoneNumber: phoneNumber,
		LinkedID:    &primaryID,
		Precedence:  PrecedenceSecondary,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
