package patient

import (
	"context"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/db"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

const (
	maxNameLength = 100
	dateLayout    = "2006-01-02"
)

var fiscalCodePattern = regexp.MustCompile(`^[A-Z0-9]{16}$`)

type Service struct {
	repo   Repository
	tx     db.TxRunner
	codec  *hipaa.Codec
	audit  *hipaa.AuditTrail
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, codec *hipaa.Codec, audit *hipaa.AuditTrail, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		codec:  codec,
		audit:  audit,
		logger: logger.With().Str("component", "patients").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func scopeFor(actor auth.Actor) (tenancy.Scope, error) {
	return tenancy.ForActor(auth.Authorize(actor, auth.CapClinicalRecords))
}

// Create registers a patient for the calling doctor. Consent is mandatory.
func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (*Patient, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}

	var errs errsx.Map
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	checkName(&errs, "first_name", in.FirstName)
	checkName(&errs, "last_name", in.LastName)
	birth, err := parseDate(in.BirthDate)
	if err != nil {
		errs.Set("birth_date", "must be a date in YYYY-MM-DD format")
	}
	fiscal := normalizeFiscalCode(in.FiscalCode)
	checkFiscalCode(&errs, fiscal)
	checkEmail(&errs, in.Email)
	if !in.ConsentGiven {
		errs.Set("consent_given", "consent to data processing is required")
	}
	if !errs.IsEmpty() {
		return nil, apperr.ValidationFields(errs.AsError())
	}

	now := s.now()
	rec := &Record{
		ID:           uuid.New(),
		DoctorID:     scope.DoctorID(),
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		BirthDate:    birth,
		Gender:       strings.TrimSpace(in.Gender),
		Address:      strings.TrimSpace(in.Address),
		Phone:        strings.TrimSpace(in.Phone),
		Email:        strings.TrimSpace(in.Email),
		ConsentGiven: true,
		ConsentDate:  now,
	}
	if err := s.seal(rec, fiscal, in.Notes); err != nil {
		return nil, err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.ensureFiscalCodeFree(ctx, scope, rec); err != nil {
			return err
		}
		return s.repo.Create(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, actor.ID, hipaa.ActionCreate, hipaa.EntityPatient, rec.ID, nil, rec)
	s.logger.Info().Str("patient_id", rec.ID.String()).Str("user_id", actor.ID.String()).Msg("patient created")
	return s.open(rec)
}

// Get returns one of the caller's live patients and records the read.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Patient, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	p, err := s.open(rec)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, actor.ID, hipaa.ActionRead, hipaa.EntityPatient, rec.ID, nil, nil)
	return p, nil
}

// Lookup loads a patient inside scope without recording a read. It serves
// other services that audit their own operation.
func (s *Service) Lookup(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*Patient, error) {
	rec, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	return s.open(rec)
}

// List returns a page of the caller's live patients.
func (s *Service) List(ctx context.Context, actor auth.Actor, f ListFilter) ([]*Patient, int, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, 0, err
	}
	f.Search = strings.TrimSpace(f.Search)
	if f.Search != "" {
		f.SearchIndex = s.codec.BlindIndex(f.Search)
	}
	recs, total, err := s.repo.List(ctx, scope, f)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Patient, 0, len(recs))
	for _, rec := range recs {
		p, err := s.open(rec)
		if err != nil {
			return nil, 0, err
		}
		// Notes are only returned by Get.
		p.Notes = nil
		out = append(out, p)
	}
	return out, total, nil
}

// Update changes one of the caller's patients. A new fiscal code is checked
// for uniqueness among the caller's live patients.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id uuid.UUID, in UpdateInput) (*Patient, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}

	var before, after Record
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.Get(ctx, scope, id)
		if err != nil {
			return err
		}
		before = *rec
		if err := s.applyUpdate(rec, in); err != nil {
			return err
		}
		if rec.FiscalCodeIndex != before.FiscalCodeIndex {
			if err := s.ensureFiscalCodeFree(ctx, scope, rec); err != nil {
				return err
			}
		}
		if err := s.repo.Update(ctx, scope, rec); err != nil {
			return err
		}
		rec.UpdatedAt = s.now()
		after = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, actor.ID, hipaa.ActionUpdate, hipaa.EntityPatient, id, &before, &after)
	return s.open(&after)
}

// Delete soft-deletes one of the caller's patients.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	scope, err := scopeFor(actor)
	if err != nil {
		return err
	}

	var before, after Record
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.Get(ctx, scope, id)
		if err != nil {
			return err
		}
		before = *rec
		at := s.now()
		if err := s.repo.SoftDelete(ctx, scope, id, at); err != nil {
			return err
		}
		after = *rec
		after.DeletedAt = &at
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, actor.ID, hipaa.ActionDelete, hipaa.EntityPatient, id, &before, &after)
	s.logger.Info().Str("patient_id", id.String()).Str("user_id", actor.ID.String()).Msg("patient deleted")
	return nil
}

// Count implements the admin statistics counter.
func (s *Service) Count(ctx context.Context, scope tenancy.Scope) (int, error) {
	return s.repo.Count(ctx, scope)
}

func (s *Service) ensureFiscalCodeFree(ctx context.Context, scope tenancy.Scope, rec *Record) error {
	if rec.FiscalCodeIndex == "" {
		return nil
	}
	taken, err := s.repo.FiscalCodeTaken(ctx, scope, rec.FiscalCodeIndex, rec.ID)
	if err != nil {
		return err
	}
	if taken {
		return errDuplicateFiscalCode
	}
	return nil
}

func (s *Service) applyUpdate(rec *Record, in UpdateInput) error {
	var errs errsx.Map
	if in.FirstName != nil {
		rec.FirstName = strings.TrimSpace(*in.FirstName)
		checkName(&errs, "first_name", rec.FirstName)
	}
	if in.LastName != nil {
		rec.LastName = strings.TrimSpace(*in.LastName)
		checkName(&errs, "last_name", rec.LastName)
	}
	if in.BirthDate != nil {
		birth, err := parseDate(*in.BirthDate)
		if err != nil {
			errs.Set("birth_date", "must be a date in YYYY-MM-DD format")
		}
		rec.BirthDate = birth
	}
	if in.Email != nil {
		rec.Email = strings.TrimSpace(*in.Email)
		checkEmail(&errs, rec.Email)
	}
	if in.Gender != nil {
		rec.Gender = strings.TrimSpace(*in.Gender)
	}
	if in.Address != nil {
		rec.Address = strings.TrimSpace(*in.Address)
	}
	if in.Phone != nil {
		rec.Phone = strings.TrimSpace(*in.Phone)
	}
	var fiscal *string
	if in.FiscalCode != nil {
		fiscal = normalizeFiscalCode(in.FiscalCode)
		checkFiscalCode(&errs, fiscal)
	}
	if !errs.IsEmpty() {
		return apperr.ValidationFields(errs.AsError())
	}

	if in.FiscalCode != nil {
		sealed, err := s.codec.Encrypt(fiscal)
		if err != nil {
			return err
		}
		rec.FiscalCode = sealed
		rec.FiscalCodeIndex = ""
		if fiscal != nil {
			rec.FiscalCodeIndex = s.codec.BlindIndex(*fiscal)
		}
	}
	if in.Notes != nil {
		sealed, err := s.codec.Encrypt(in.Notes)
		if err != nil {
			return err
		}
		rec.Notes = sealed
	}
	return nil
}

// seal encrypts the sensitive fields into rec.
func (s *Service) seal(rec *Record, fiscal, notes *string) error {
	var err error
	if rec.FiscalCode, err = s.codec.Encrypt(fiscal); err != nil {
		return err
	}
	if fiscal != nil {
		rec.FiscalCodeIndex = s.codec.BlindIndex(*fiscal)
	}
	if rec.Notes, err = s.codec.Encrypt(notes); err != nil {
		return err
	}
	return nil
}

// open returns the decrypted view of rec.
func (s *Service) open(rec *Record) (*Patient, error) {
	fiscal, err := s.codec.Decrypt(rec.FiscalCode)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", rec.ID.String()).Str("field", "fiscal_code").Msg("decryption failed")
		return nil, err
	}
	notes, err := s.codec.Decrypt(rec.Notes)
	if err != nil {
		s.logger.Error().Err(err).Str("patient_id", rec.ID.String()).Str("field", "notes").Msg("decryption failed")
		return nil, err
	}
	return &Patient{
		ID:           rec.ID,
		DoctorID:     rec.DoctorID,
		FirstName:    rec.FirstName,
		LastName:     rec.LastName,
		BirthDate:    rec.BirthDate,
		Gender:       rec.Gender,
		Address:      rec.Address,
		Phone:        rec.Phone,
		Email:        rec.Email,
		FiscalCode:   fiscal,
		Notes:        notes,
		ConsentGiven: rec.ConsentGiven,
		ConsentDate:  rec.ConsentDate,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		DeletedAt:    rec.DeletedAt,
	}, nil
}

func checkName(errs *errsx.Map, field, v string) {
	if v == "" || len(v) > maxNameLength {
		errs.Set(field, "is required (max 100 characters)")
	}
}

func checkFiscalCode(errs *errsx.Map, v *string) {
	if v != nil && !fiscalCodePattern.MatchString(*v) {
		errs.Set("fiscal_code", "must be 16 letters or digits")
	}
}

func checkEmail(errs *errsx.Map, v string) {
	if v == "" {
		return
	}
	if _, err := mail.ParseAddress(v); err != nil {
		errs.Set("email", "is not a valid address")
	}
}

// normalizeFiscalCode trims and upper-cases v. Empty input yields nil.
func normalizeFiscalCode(v *string) *string {
	if v == nil {
		return nil
	}
	n := strings.ToUpper(strings.TrimSpace(*v))
	if n == "" {
		return nil
	}
	return &n
}

func parseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(dateLayout, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}
