package prescription

import (
	"time"

	"github.com/google/uuid"
)

// Record is the at-rest form of a prescription row. Content and Diagnosis
// hold ciphertext. Audit snapshots are taken from this form.
type Record struct {
	ID          uuid.UUID  `json:"id"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	Content     *string    `json:"content"`
	Diagnosis   *string    `json:"diagnosis,omitempty"`
	Status      Status     `json:"status"`
	SignedAt    *time.Time `json:"signed_at,omitempty"`
	PrintedAt   *time.Time `json:"printed_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	PDFURL      string     `json:"pdf_url,omitempty"`
	PDFKey      string     `json:"pdf_key,omitempty"`
	PDFHash     string     `json:"pdf_hash,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// PatientSummary identifies the patient of a prescription in responses.
type PatientSummary struct {
	ID        uuid.UUID  `json:"id"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate time.Time  `json:"birth_date"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Prescription is the decrypted view returned to the owning doctor.
type Prescription struct {
	ID             uuid.UUID        `json:"id"`
	DoctorID       uuid.UUID        `json:"doctor_id"`
	PatientID      uuid.UUID        `json:"patient_id"`
	Patient        *PatientSummary  `json:"patient,omitempty"`
	Content        string           `json:"content"`
	Diagnosis      *string          `json:"diagnosis"`
	Status         Status           `json:"status"`
	SignedAt       *time.Time       `json:"signed_at,omitempty"`
	PrintedAt      *time.Time       `json:"printed_at,omitempty"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	CancelledAt    *time.Time       `json:"cancelled_at,omitempty"`
	PDFURL         string           `json:"pdf_url,omitempty"`
	PDFHash        string           `json:"pdf_hash,omitempty"`
	Communications []*Communication `json:"communications,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Communication is one delivery attempt. Rows are appended as PENDING and
// only ever move to SENT or FAILED.
type Communication struct {
	ID                uuid.UUID           `json:"id"`
	PrescriptionID    uuid.UUID           `json:"prescription_id"`
	DoctorID          uuid.UUID           `json:"doctor_id"`
	Channel           string              `json:"channel"`
	Recipient         string              `json:"recipient"`
	Status            CommunicationStatus `json:"status"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	SentAt            *time.Time          `json:"sent_at,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Document is a verified prescription PDF ready to be streamed.
type Document struct {
	FileName string
	Data     []byte
	Hash     string
}

// CreateInput is the body of POST /prescriptions.
type CreateInput struct {
	PatientID string  `json:"patient_id"`
	Content   string  `json:"content"`
	Diagnosis *string `json:"diagnosis"`
}

// SendInput is the body of POST /prescriptions/:id/send. An empty Recipient
// falls back to the patient's contact for the channel.
type SendInput struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	// Type is accepted as an alias of Channel.
	Type string `json:"type"`
}

// ListFilter narrows a prescription listing.
type ListFilter struct {
	PatientID  *uuid.UUID
	Status     Status
	From       *time.Time
	To         *time.Time
	SortColumn string
	SortDesc   bool
	Limit      int
	Offset     int
}

// Transition is a conditional status change. It applies only while the row
// is still in From.
type Transition struct {
	ID   uuid.UUID
	From Status
	To   Status
	At   time.Time
	// PDFURL, PDFKey and PDFHash are stored with the SIGNED transition.
	PDFURL  string
	PDFKey  string
	PDFHash string
}

// Apply returns a copy of r after t.
func (t Transition) Apply(r Record) Record {
	r.Status = t.To
	r.UpdatedAt = t.At
	at := t.At
	switch t.To {
	case StatusSigned:
		r.SignedAt = &at
		r.PDFURL, r.PDFKey, r.PDFHash = t.PDFURL, t.PDFKey, t.PDFHash
	case StatusPrinted:
		r.PrintedAt = &at
	case StatusSent:
		r.SentAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
	}
	return r
}
