package prescription

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/medicosmart/medicosmart/internal/domain/patient"
	"github.com/medicosmart/medicosmart/internal/domain/user"
	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/auth"
	"github.com/medicosmart/medicosmart/internal/platform/db"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
	"github.com/medicosmart/medicosmart/internal/platform/notification"
	"github.com/medicosmart/medicosmart/internal/platform/pdf"
	"github.com/medicosmart/medicosmart/internal/platform/tenancy"
)

const (
	maxContentLength   = 5000
	maxDiagnosisLength = 500

	// pendingClaimTTL bounds how long a PENDING communication blocks other
	// sends of the same prescription, so an attempt that never completed
	// does not lock it forever.
	pendingClaimTTL = 5 * time.Minute
)

// PatientLookup resolves a patient inside a tenancy scope without auditing.
type PatientLookup interface {
	Lookup(ctx context.Context, scope tenancy.Scope, id uuid.UUID) (*patient.Patient, error)
}

// DoctorDirectory returns the letterhead of a doctor.
type DoctorDirectory interface {
	DoctorProfile(ctx context.Context, id uuid.UUID) (user.DoctorProfile, error)
}

// DocumentGenerator renders and stores prescription documents.
type DocumentGenerator interface {
	Generate(ctx context.Context, in pdf.Input) (*pdf.Document, error)
	Open(ctx context.Context, key string) ([]byte, string, error)
	Discard(ctx context.Context, key string)
}

// Dispatcher delivers a prescription to a recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, req notification.Request) (*notification.Result, error)
}

// Deps are the collaborators of a Service. Transitions may be nil; when set
// it must have the label "to".
type Deps struct {
	Repo           Repository
	Communications CommunicationRepository
	Tx             db.TxRunner
	Codec          *hipaa.Codec
	Audit          *hipaa.AuditTrail
	Patients       PatientLookup
	Doctors        DoctorDirectory
	Documents      DocumentGenerator
	Dispatcher     Dispatcher
	Transitions    *prometheus.CounterVec
	Logger         zerolog.Logger
}

type Service struct {
	repo        Repository
	comms       CommunicationRepository
	tx          db.TxRunner
	codec       *hipaa.Codec
	audit       *hipaa.AuditTrail
	patients    PatientLookup
	doctors     DoctorDirectory
	documents   DocumentGenerator
	dispatcher  Dispatcher
	transitions *prometheus.CounterVec
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		repo:        d.Repo,
		comms:       d.Communications,
		tx:          d.Tx,
		codec:       d.Codec,
		audit:       d.Audit,
		patients:    d.Patients,
		doctors:     d.Doctors,
		documents:   d.Documents,
		dispatcher:  d.Dispatcher,
		transitions: d.Transitions,
		logger:      d.Logger.With().Str("component", "prescriptions").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func scopeFor(actor auth.Actor) (tenancy.Scope, error) {
	return tenancy.ForActor(auth.Authorize(actor, auth.CapClinicalRecords))
}

// Create issues a DRAFT prescription for one of the caller's live patients.
func (s *Service) Create(ctx context.Context, actor auth.Actor, in CreateInput) (*Prescription, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}

	var errs errsx.Map
	patientID, err := uuid.Parse(strings.TrimSpace(in.PatientID))
	if err != nil {
		errs.Set("patient_id", "must be a valid id")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" || len(content) > maxContentLength {
		errs.Set("content", "is required (max 5000 characters)")
	}
	var diagnosis *string
	if in.Diagnosis != nil {
		if d := strings.TrimSpace(*in.Diagnosis); d != "" {
			diagnosis = &d
		}
		if diagnosis != nil && len(*diagnosis) > maxDiagnosisLength {
			errs.Set("diagnosis", "must be at most 500 characters")
		}
	}
	if !errs.IsEmpty() {
		return nil, apperr.ValidationFields(errs.AsError())
	}

	p, err := s.patients.Lookup(ctx, scope, patientID)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:        uuid.New(),
		DoctorID:  scope.DoctorID(),
		PatientID: p.ID,
		Status:    StatusDraft,
	}
	if rec.Content, err = s.codec.Encrypt(&content); err != nil {
		return nil, err
	}
	if rec.Diagnosis, err = s.codec.Encrypt(diagnosis); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, actor.ID, hipaa.ActionCreate, hipaa.EntityPrescription, rec.ID, nil, rec)
	s.logger.Info().Str("prescription_id", rec.ID.String()).Str("user_id", actor.ID.String()).Msg("prescription created")

	view, err := s.open(rec)
	if err != nil {
		return nil, err
	}
	view.Patient = summarize(p)
	return view, nil
}

// Get returns one of the caller's prescriptions with its patient and
// delivery history, and records the read.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	view, err := s.open(rec)
	if err != nil {
		return nil, err
	}
	// The patient may have been deleted since the prescription was issued.
	p, err := s.patients.Lookup(ctx, scope.IncludeDeleted(), rec.PatientID)
	if err != nil {
		return nil, err
	}
	view.Patient = summarize(p)
	if view.Communications, err = s.comms.ListByPrescription(ctx, rec.ID); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, actor.ID, hipaa.ActionRead, hipaa.EntityPrescription, rec.ID, nil, nil)
	return view, nil
}

// List returns a page of the caller's live prescriptions.
func (s *Service) List(ctx context.Context, actor auth.Actor, f ListFilter) ([]*Prescription, int, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, 0, err
	}
	recs, total, err := s.repo.List(ctx, scope, f)
	if err != nil {
		return nil, 0, err
	}

	patients := make(map[uuid.UUID]*PatientSummary)
	out := make([]*Prescription, 0, len(recs))
	for _, rec := range recs {
		view, err := s.open(rec)
		if err != nil {
			return nil, 0, err
		}
		summary, ok := patients[rec.PatientID]
		if !ok {
			p, err := s.patients.Lookup(ctx, scope.IncludeDeleted(), rec.PatientID)
			if err != nil {
				return nil, 0, err
			}
			summary = summarize(p)
			patients[rec.PatientID] = summary
		}
		view.Patient = summary
		out = append(out, view)
	}
	return out, total, nil
}

// Sign generates the document and moves a DRAFT prescription to SIGNED. The
// document is stored only if the transition commits.
func (s *Service) Sign(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}

	var doc *pdf.Document
	var before, after Record
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetForUpdate(ctx, scope, id)
		if err != nil {
			return err
		}
		if rec.Status.Signed() {
			return apperr.AlreadySigned()
		}
		if !CanTransition(rec.Status, StatusSigned) {
			return apperr.InvalidTransition(string(rec.Status), string(StatusSigned))
		}
		view, err := s.open(rec)
		if err != nil {
			return err
		}
		p, err := s.patients.Lookup(ctx, scope, rec.PatientID)
		if err != nil {
			return err
		}
		profile, err := s.doctors.DoctorProfile(ctx, rec.DoctorID)
		if err != nil {
			return err
		}

		doc, err = s.documents.Generate(ctx, documentInput(view, p, profile))
		if err != nil {
			return err
		}

		t := Transition{
			ID: rec.ID, From: rec.Status, To: StatusSigned, At: s.now(),
			PDFURL: doc.URL, PDFKey: doc.Key, PDFHash: doc.Hash,
		}
		if err := s.apply(ctx, scope, t); err != nil {
			return err
		}
		before, after = *rec, t.Apply(*rec)
		return nil
	})
	if err != nil {
		if doc != nil {
			s.documents.Discard(context.WithoutCancel(ctx), doc.Key)
		}
		return nil, err
	}

	return s.transitioned(ctx, actor, &before, &after)
}

// Print marks the paper copy of a SIGNED prescription as handed over.
func (s *Service) Print(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error) {
	return s.move(ctx, actor, id, StatusPrinted)
}

// Cancel withdraws a DRAFT or SIGNED prescription.
func (s *Service) Cancel(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Prescription, error) {
	return s.move(ctx, actor, id, StatusCancelled)
}

// move applies a transition that has no side effects besides the status.
func (s *Service) move(ctx context.Context, actor auth.Actor, id uuid.UUID, to Status) (*Prescription, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}

	var before, after Record
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetForUpdate(ctx, scope, id)
		if err != nil {
			return err
		}
		if !CanTransition(rec.Status, to) {
			if rec.Status == StatusDraft && to.Signed() {
				return apperr.NotSigned()
			}
			return apperr.InvalidTransition(string(rec.Status), string(to))
		}
		t := Transition{ID: rec.ID, From: rec.Status, To: to, At: s.now()}
		if err := s.apply(ctx, scope, t); err != nil {
			return err
		}
		before, after = *rec, t.Apply(*rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.transitioned(ctx, actor, &before, &after)
}

// Send delivers a signed prescription over a channel. A Communication is
// recorded for every attempt; the prescription becomes SENT only when the
// dispatcher acknowledges delivery. While an attempt is PENDING, other sends
// of the same prescription are rejected with a conflict.
func (s *Service) Send(ctx context.Context, actor auth.Actor, id uuid.UUID, in SendInput) (*Prescription, *Communication, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, nil, err
	}
	if in.Channel == "" {
		in.Channel = in.Type
	}
	channel, err := notification.ParseChannel(in.Channel)
	if err != nil {
		var errs errsx.Map
		errs.Set("channel", "must be EMAIL or SMS")
		return nil, nil, apperr.ValidationFields(errs.AsError())
	}

	rec, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, nil, err
	}
	if !rec.Status.Sendable() || rec.PDFURL == "" {
		return nil, nil, apperr.NotSigned()
	}

	p, err := s.patients.Lookup(ctx, scope, rec.PatientID)
	if err != nil {
		return nil, nil, err
	}
	recipient := strings.TrimSpace(in.Recipient)
	if recipient == "" {
		recipient = p.Contact(string(channel))
	}
	if recipient == "" {
		return nil, nil, apperr.MissingRecipient(string(channel))
	}
	profile, err := s.doctors.DoctorProfile(ctx, rec.DoctorID)
	if err != nil {
		return nil, nil, err
	}

	req := notification.Request{
		Channel:   channel,
		Recipient: recipient,
		Content: notification.PrescriptionContent{
			PatientFirstName: p.FirstName,
			PatientLastName:  p.LastName,
			PatientBirthDate: p.BirthDate,
			DoctorTitle:      profile.Title,
			DoctorFullName:   profile.FullName,
			Specialization:   profile.Specialization,
			DoctorAddress:    profile.Address,
			DoctorPhone:      profile.Phone,
			DocumentURL:      rec.PDFURL,
			IssuedAt:         derefTime(rec.SignedAt, rec.CreatedAt),
		},
	}
	if channel == notification.ChannelEmail {
		doc, err := s.verifiedDocument(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		req.Attachment = &notification.Attachment{
			FileName:    notification.AttachmentName(p.LastName, req.Content.IssuedAt),
			ContentType: "application/pdf",
			Data:        doc,
		}
	}

	comm := &Communication{
		ID:             uuid.New(),
		PrescriptionID: rec.ID,
		DoctorID:       rec.DoctorID,
		Channel:        string(channel),
		Recipient:      recipient,
		Status:         CommPending,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		locked, err := s.repo.GetForUpdate(ctx, scope, id)
		if err != nil {
			return err
		}
		if !locked.Status.Sendable() {
			return apperr.NotSigned()
		}
		pending, err := s.comms.HasPending(ctx, locked.ID, s.now().Add(-pendingClaimTTL))
		if err != nil {
			return err
		}
		if pending {
			return apperr.Conflict("prescription delivery already in progress")
		}
		rec = locked
		return s.comms.Create(ctx, comm)
	})
	if err != nil {
		return nil, nil, err
	}
	req.ID = comm.ID.String()

	res, dispatchErr := s.dispatcher.Dispatch(ctx, req)
	if dispatchErr != nil || res == nil || res.Status != notification.StatusSent {
		comm.Status = CommFailed
		comm.ErrorMessage = "delivery failed"
		if dispatchErr != nil {
			comm.ErrorMessage = dispatchErr.Error()
		}
		if err := s.comms.Complete(context.WithoutCancel(ctx), comm); err != nil {
			s.logger.Error().Err(err).Str("communication_id", comm.ID.String()).Msg("failed to record delivery failure")
		}
		return nil, comm, apperr.Dispatch("prescription delivery failed", dispatchErr)
	}

	// The message is out; record it even if the caller has gone away.
	delivered := context.WithoutCancel(ctx)
	sentAt := s.now()
	comm.Status = CommSent
	comm.ProviderMessageID = res.ProviderMessageID
	comm.SentAt = &sentAt
	if err := s.comms.Complete(delivered, comm); err != nil {
		return nil, nil, err
	}

	t := Transition{ID: rec.ID, From: rec.Status, To: StatusSent, At: sentAt}
	if err := s.apply(delivered, scope, t); err != nil {
		return nil, comm, err
	}
	after := t.Apply(*rec)
	view, err := s.transitioned(delivered, actor, rec, &after)
	if err != nil {
		return nil, comm, err
	}
	view.Communications = []*Communication{comm}
	return view, comm, nil
}

// Download returns the stored document after checking it against the hash
// recorded at signing.
func (s *Service) Download(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Document, error) {
	scope, err := scopeFor(actor)
	if err != nil {
		return nil, err
	}
	rec, err := s.repo.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if rec.PDFKey == "" {
		return nil, apperr.NotSigned()
	}
	data, err := s.verifiedDocument(ctx, rec)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, actor.ID, hipaa.ActionRead, hipaa.EntityPrescription, rec.ID, nil, nil)
	return &Document{FileName: rec.PDFKey, Data: data, Hash: rec.PDFHash}, nil
}

// Delete soft-deletes one of the caller's prescriptions in any state.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	scope, err := scopeFor(actor)
	if err != nil {
		return err
	}

	var before, after Record
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetForUpdate(ctx, scope, id)
		if err != nil {
			return err
		}
		at := s.now()
		if err := s.repo.SoftDelete(ctx, scope, id, at); err != nil {
			return err
		}
		before, after = *rec, *rec
		after.DeletedAt = &at
		after.UpdatedAt = at
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, actor.ID, hipaa.ActionDelete, hipaa.EntityPrescription, id, &before, &after)
	s.logger.Info().Str("prescription_id", id.String()).Str("user_id", actor.ID.String()).Msg("prescription deleted")
	return nil
}

// CountByStatus implements the admin statistics counter.
func (s *Service) CountByStatus(ctx context.Context, scope tenancy.Scope) (map[string]int, error) {
	return s.repo.CountByStatus(ctx, scope)
}

// apply runs a conditional transition. A row that is no longer in t.From
// lost a race with another request.
func (s *Service) apply(ctx context.Context, scope tenancy.Scope, t Transition) error {
	ok, err := s.repo.Transition(ctx, scope, t)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Conflict("prescription was modified by another request")
	}
	return nil
}

// transitioned audits and counts a committed transition and returns the new
// view.
func (s *Service) transitioned(ctx context.Context, actor auth.Actor, before, after *Record) (*Prescription, error) {
	s.audit.Record(ctx, actor.ID, hipaa.ActionUpdate, hipaa.EntityPrescription, after.ID, before, after)
	if s.transitions != nil {
		s.transitions.WithLabelValues(string(after.Status)).Inc()
	}
	s.logger.Info().
		Str("prescription_id", after.ID.String()).
		Str("user_id", actor.ID.String()).
		Str("from", string(before.Status)).
		Str("to", string(after.Status)).
		Msg("prescription status changed")
	return s.open(after)
}

func (s *Service) verifiedDocument(ctx context.Context, rec *Record) ([]byte, error) {
	data, sum, err := s.documents.Open(ctx, rec.PDFKey)
	if err != nil {
		return nil, err
	}
	if sum != rec.PDFHash {
		s.logger.Error().Str("prescription_id", rec.ID.String()).Msg("document hash mismatch")
		return nil, apperr.Crypto("document integrity check failed", nil)
	}
	return data, nil
}

// open returns the decrypted view of rec.
func (s *Service) open(rec *Record) (*Prescription, error) {
	content, err := s.codec.Decrypt(rec.Content)
	if err != nil {
		s.logger.Error().Err(err).Str("prescription_id", rec.ID.String()).Str("field", "content").Msg("decryption failed")
		return nil, err
	}
	diagnosis, err := s.codec.Decrypt(rec.Diagnosis)
	if err != nil {
		s.logger.Error().Err(err).Str("prescription_id", rec.ID.String()).Str("field", "diagnosis").Msg("decryption failed")
		return nil, err
	}
	view := &Prescription{
		ID:          rec.ID,
		DoctorID:    rec.DoctorID,
		PatientID:   rec.PatientID,
		Diagnosis:   diagnosis,
		Status:      rec.Status,
		SignedAt:    rec.SignedAt,
		PrintedAt:   rec.PrintedAt,
		SentAt:      rec.SentAt,
		CancelledAt: rec.CancelledAt,
		PDFURL:      rec.PDFURL,
		PDFHash:     rec.PDFHash,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if content != nil {
		view.Content = *content
	}
	return view, nil
}

func summarize(p *patient.Patient) *PatientSummary {
	return &PatientSummary{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		BirthDate: p.BirthDate,
		DeletedAt: p.DeletedAt,
	}
}

func documentInput(rx *Prescription, p *patient.Patient, d user.DoctorProfile) pdf.Input {
	in := pdf.Input{
		Prescription: pdf.Prescription{ID: rx.ID, Content: rx.Content},
		Doctor: pdf.Doctor{
			Title:          d.Title,
			FullName:       d.FullName,
			Specialization: d.Specialization,
			LicenseNumber:  d.LicenseNumber,
			Address:        d.Address,
			Phone:          d.Phone,
			Email:          d.Email,
		},
		Patient: pdf.Patient{
			FirstName: p.FirstName,
			LastName:  p.LastName,
			BirthDate: p.BirthDate,
		},
	}
	if rx.Diagnosis != nil {
		in.Prescription.Diagnosis = *rx.Diagnosis
	}
	if p.FiscalCode != nil {
		in.Patient.FiscalCode = *p.FiscalCode
	}
	return in
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}
