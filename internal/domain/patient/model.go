package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is the at-rest form of a patient row. FiscalCode and Notes hold
// ciphertext; FiscalCodeIndex is the blind index of the fiscal code. Audit
// snapshots are taken from this form.
type Record struct {
	ID              uuid.UUID  `json:"id"`
	DoctorID        uuid.UUID  `json:"doctor_id"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	BirthDate       time.Time  `json:"birth_date"`
	Gender          string     `json:"gender,omitempty"`
	Address         string     `json:"address,omitempty"`
	Phone           string     `json:"phone,omitempty"`
	Email           string     `json:"email,omitempty"`
	FiscalCode      *string    `json:"fiscal_code,omitempty"`
	FiscalCodeIndex string     `json:"fiscal_code_index,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	ConsentGiven    bool       `json:"consent_given"`
	ConsentDate     time.Time  `json:"consent_date"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
}

// Patient is the decrypted view returned to the owning doctor.
type Patient struct {
	ID           uuid.UUID  `json:"id"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	BirthDate    time.Time  `json:"birth_date"`
	Gender       string     `json:"gender,omitempty"`
	Address      string     `json:"address,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Email        string     `json:"email,omitempty"`
	FiscalCode   *string    `json:"fiscal_code"`
	Notes        *string    `json:"notes,omitempty"`
	ConsentGiven bool       `json:"consent_given"`
	ConsentDate  time.Time  `json:"consent_date"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Contact returns the patient's address for a delivery channel, or "".
func (p *Patient) Contact(channel string) string {
	switch strings.ToUpper(channel) {
	case "EMAIL":
		return p.Email
	case "SMS":
		return p.Phone
	}
	return ""
}

// CreateInput is the body of POST /patients.
type CreateInput struct {
	FirstName    string  `json:"first_name"`
	LastName     string  `json:"last_name"`
	BirthDate    string  `json:"birth_date"`
	Gender       string  `json:"gender"`
	Address      string  `json:"address"`
	Phone        string  `json:"phone"`
	Email        string  `json:"email"`
	FiscalCode   *string `json:"fiscal_code"`
	Notes        *string `json:"notes"`
	ConsentGiven bool    `json:"consent_given"`
}

// UpdateInput changes a patient. Nil fields are left untouched; an empty
// FiscalCode or Notes clears the value.
type UpdateInput struct {
	FirstName  *string `json:"first_name"`
	LastName   *string `json:"last_name"`
	BirthDate  *string `json:"birth_date"`
	Gender     *string `json:"gender"`
	Address    *string `json:"address"`
	Phone      *string `json:"phone"`
	Email      *string `json:"email"`
	FiscalCode *string `json:"fiscal_code"`
	Notes      *string `json:"notes"`
}

// ListFilter narrows a patient listing. Search matches first or last name
// by substring, or the fiscal code exactly through its blind index.
type ListFilter struct {
	Search      string
	SearchIndex string
	SortColumn  string
	SortDesc    bool
	Limit       int
	Offset      int
}
