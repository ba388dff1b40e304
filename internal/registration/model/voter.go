package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// NotarizationStatus represents where a voter record is in the ledger
// notarization lifecycle.
type NotarizationStatus string

const (
	StatusPending   NotarizationStatus = "pending"
	StatusNotarized NotarizationStatus = "notarized"
	StatusFailed    NotarizationStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s NotarizationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusNotarized, StatusFailed:
		return true
	}
	return false
}

// FailureReason records why a record ended in StatusFailed.
type FailureReason string

const (
	FailureNone FailureReason = ""
	// FailureUnavailable: the ledger could not be reached or did not confirm
	// within the retry budget. Eligible for recovery.
	FailureUnavailable FailureReason = "unavailable"
	// FailureRejected: the ledger explicitly refused the write. Never retried.
	FailureRejected FailureReason = "rejected"
)

var (
	// ErrDuplicateID is returned when a voter ID is already registered.
	ErrDuplicateID = errors.New("voter id already registered")
	// ErrNotFound is returned when no record exists for a voter ID.
	ErrNotFound = errors.New("voter not found")
	// ErrInvalidTransition is returned when a status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("invalid notarization status transition")
	// ErrInvalidBiometric is returned when a biometric signature is missing
	// or malformed. Nothing is stored.
	ErrInvalidBiometric = errors.New("invalid biometric signature")
	// ErrInvalidInput is matched by every *ErrValidation.
	ErrInvalidInput = errors.New("invalid input")
)

// ErrValidation is returned when the caller supplies invalid biographical
// input. Handlers convert this to HTTP 400 rather than 500.
type ErrValidation struct{ Msg string }

func (e *ErrValidation) Error() string { return e.Msg }

func (e *ErrValidation) Unwrap() error { return ErrInvalidInput }

// BiographicalFields is the personal payload of a registration. Together
// with the voter ID it is the input to the content hash.
type BiographicalFields struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	DOB     string `json:"dob"`
	VoterID string `json:"voter_id"`
}

// ContentHash returns the hex SHA-256 digest of the record fingerprint:
// name, address, dob and voter ID concatenated in that order.
func (f BiographicalFields) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(f.Name))
	h.Write([]byte(f.Address))
	h.Write([]byte(f.DOB))
	h.Write([]byte(f.VoterID))
	return hex.EncodeToString(h.Sum(nil))
}

// VoterRecord is the durable registration of a single voter.
type VoterRecord struct {
	ID                 uuid.UUID          `json:"id"                       db:"id"`
	VoterID            string             `json:"voter_id"                 db:"voter_id"`
	Name               string             `json:"name"                     db:"name"`
	Address            string             `json:"address"                  db:"address"`
	DOB                string             `json:"dob"                      db:"dob"`
	BiometricSignature []float64          `json:"-"                        db:"biometric_signature"`
	ContentHash        string             `json:"content_hash"             db:"content_hash"`
	Status             NotarizationStatus `json:"notarization_status"      db:"status"`
	LedgerReceipt      string             `json:"ledger_receipt,omitempty" db:"ledger_receipt"`
	FailureReason      FailureReason      `json:"failure_reason,omitempty" db:"failure_reason"`
	Attempts           int                `json:"attempts"                 db:"attempts"`
	CreatedAt          time.Time          `json:"created_at"               db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"               db:"updated_at"`
}

// Fields returns the biographical part of the record.
func (r *VoterRecord) Fields() BiographicalFields {
	return BiographicalFields{Name: r.Name, Address: r.Address, DOB: r.DOB, VoterID: r.VoterID}
}

// Clone returns a deep copy so callers never share the signature slice with
// a store's internal state.
func (r *VoterRecord) Clone() *VoterRecord {
	c := *r
	if r.BiometricSignature != nil {
		c.BiometricSignature = append([]float64(nil), r.BiometricSignature...)
	}
	return &c
}

// StatusUpdate describes a single notarization status transition.
type StatusUpdate struct {
	Status  NotarizationStatus
	Receipt string        // required for StatusNotarized, empty otherwise
	Reason  FailureReason // required for StatusFailed, empty otherwise
}

// CheckTransition validates a transition from the current status. Only
// pending → notarized and pending → failed are allowed, and the receipt and
// reason must agree with the target status.
func CheckTransition(from NotarizationStatus, u StatusUpdate) error {
	if from != StatusPending {
		return ErrInvalidTransition
	}
	switch u.Status {
	case StatusNotarized:
		if u.Receipt == "" || u.Reason != FailureNone {
			return ErrInvalidTransition
		}
	case StatusFailed:
		if u.Receipt != "" || (u.Reason != FailureUnavailable && u.Reason != FailureRejected) {
			return ErrInvalidTransition
		}
	default:
		return ErrInvalidTransition
	}
	return nil
}

// RegisterRequest is the payload for a new voter registration.
type RegisterRequest struct {
	Name               string    `json:"name"                binding:"required"`
	Address            string    `json:"address"             binding:"required"`
	DOB                string    `json:"dob"                 binding:"required"`
	VoterID            string    `json:"voter_id"            binding:"required"`
	BiometricSignature []float64 `json:"biometric_signature"`
}

// Fields returns the biographical part of the request.
func (r *RegisterRequest) Fields() BiographicalFields {
	return BiographicalFields{Name: r.Name, Address: r.Address, DOB: r.DOB, VoterID: r.VoterID}
}
