// Package models provides data model definitions for the fieldsync engine.
package models

import "time"

// ResidentStatus represents the verification status of a resident record.
type ResidentStatus string

const (
	ResidentStatusPending  ResidentStatus = "pending"
	ResidentStatusVerified ResidentStatus = "verified"
	ResidentStatusArchived ResidentStatus = "archived"
)

// Resident represents a community resident record.
// The ID is server-assigned; records created while offline carry a
// client-minted temp id until the sync manager reconciles them.
type Resident struct {
	ID         string         `json:"id"`
	FirstName  string         `json:"first_name"`
	LastName   string         `json:"last_name"`
	Birthdate  string         `json:"birthdate,omitempty"` // YYYY-MM-DD
	Sex        string         `json:"sex,omitempty"`
	Address    string         `json:"address,omitempty"`
	BarangayID string         `json:"barangay_id"`
	Status     ResidentStatus `json:"status"`
	Pending    bool           `json:"_pending,omitempty"`
	CreatedAt  int64          `json:"created_at,omitempty"`
	UpdatedAt  int64          `json:"updated_at,omitempty"`
}

// FullName returns the resident's display name.
func (r *Resident) FullName() string {
	if r.FirstName == "" {
		return r.LastName
	}
	return r.FirstName + " " + r.LastName
}

// Touch updates the UpdatedAt timestamp.
func (r *Resident) Touch() {
	r.UpdatedAt = time.Now().Unix()
}

// Barangay represents a barangay (village-level administrative unit).
type Barangay struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Municipality string `json:"municipality,omitempty"`
	Province     string `json:"province,omitempty"`
	Pending      bool   `json:"_pending,omitempty"`
}

// VaccineRequestStatus represents the fulfillment state of a vaccine request.
type VaccineRequestStatus string

const (
	VaccineRequestStatusRequested VaccineRequestStatus = "requested"
	VaccineRequestStatusApproved  VaccineRequestStatus = "approved"
	VaccineRequestStatusFulfilled VaccineRequestStatus = "fulfilled"
	VaccineRequestStatusRejected  VaccineRequestStatus = "rejected"
)

// VaccineRequest represents a request for vaccine doses filed by a
// community health worker on behalf of a resident.
type VaccineRequest struct {
	ID          string               `json:"id"`
	ResidentID  string               `json:"resident_id"`
	BarangayID  string               `json:"barangay_id"`
	Vaccine     string               `json:"vaccine"`
	DoseNumber  int                  `json:"dose_number"`
	Status      VaccineRequestStatus `json:"status"`
	Pending     bool                 `json:"_pending,omitempty"`
	RequestedAt int64                `json:"requested_at,omitempty"`
	UpdatedAt   int64                `json:"updated_at,omitempty"`
}
