// Package pdf renders prescription documents and keeps them in a blob store.
package pdf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
	"github.com/medicosmart/medicosmart/internal/platform/blobstore"
	"github.com/medicosmart/medicosmart/internal/platform/hipaa"
)

const contentType = "application/pdf"

// Doctor is the letterhead printed on the document.
type Doctor struct {
	Title          string
	FullName       string
	Specialization string
	LicenseNumber  string
	Address        string
	Phone          string
	Email          string
}

// Patient holds decrypted patient details.
type Patient struct {
	FirstName  string
	LastName   string
	BirthDate  time.Time
	FiscalCode string
}

// Prescription holds the decrypted prescription body.
type Prescription struct {
	ID        uuid.UUID
	Content   string
	Diagnosis string
}

type Input struct {
	Prescription Prescription
	Doctor       Doctor
	Patient      Patient
}

// Document is a stored, generated prescription.
type Document struct {
	Key  string
	URL  string
	Hash string
	Size int64
}

// Generator renders documents and stores them under a public URL prefix.
type Generator struct {
	store     blobstore.Store
	baseURL   string
	timeout   time.Duration
	logger    zerolog.Logger
	durations prometheus.Observer
	now       func() time.Time
	render    func(Input, time.Time) ([]byte, error)
	token     func() (string, error)
}

// NewGenerator returns a Generator. durations may be nil.
func NewGenerator(store blobstore.Store, baseURL string, timeout time.Duration, logger zerolog.Logger, durations prometheus.Observer) *Generator {
	return &Generator{
		store:     store,
		baseURL:   strings.TrimRight(baseURL, "/"),
		timeout:   timeout,
		logger:    logger,
		durations: durations,
		now:       time.Now,
		render:    render,
		token:     func() (string, error) { return hipaa.RandomToken(8) },
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FileName returns the storage key of a prescription document. The token
// makes every generation's key distinct, so a discarded document never
// shares a key with a committed one.
func FileName(lastName string, id uuid.UUID, token string) string {
	name := unsafeKeyChars.ReplaceAllString(strings.TrimSpace(lastName), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		name = "paziente"
	}
	return fmt.Sprintf("rx_%s_%s_%s.pdf", name, id, token)
}

// URL returns the public address of a stored document.
func (g *Generator) URL(key string) string {
	return g.baseURL + "/uploads/pdfs/" + key
}

// Generate renders and stores the document. Rendering and storage share one
// deadline; on failure nothing is left in the store.
func (g *Generator) Generate(ctx context.Context, in Input) (*Document, error) {
	start := g.now()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := g.render(in, start)
		done <- result{data, err}
	}()

	var data []byte
	select {
	case r := <-done:
		if r.err != nil {
			return nil, apperr.Dispatch("pdf generation failed", r.err)
		}
		data = r.data
	case <-ctx.Done():
		return nil, apperr.Dispatch("pdf generation timed out", ctx.Err())
	}

	token, err := g.token()
	if err != nil {
		return nil, apperr.Internal("document key", err)
	}
	key := FileName(in.Patient.LastName, in.Prescription.ID, token)
	obj, err := g.store.Put(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Dispatch("pdf storage failed", err)
	}
	if err := ctx.Err(); err != nil {
		g.Discard(context.WithoutCancel(ctx), key)
		return nil, apperr.Dispatch("pdf generation timed out", err)
	}

	if g.durations != nil {
		g.durations.Observe(g.now().Sub(start).Seconds())
	}
	g.logger.Info().Str("key", key).Int64("size", obj.Size).Msg("prescription document generated")

	return &Document{Key: key, URL: g.URL(key), Hash: obj.Hash, Size: obj.Size}, nil
}

// Open returns the stored bytes together with their SHA-256 hex digest.
func (g *Generator) Open(ctx context.Context, key string) ([]byte, string, error) {
	rc, _, err := g.store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			return nil, "", apperr.NotFound("document")
		}
		return nil, "", apperr.Internal("open document", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", apperr.Internal("read document", err)
	}
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}

// Discard removes a document. A missing document is not an error.
func (g *Generator) Discard(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		g.logger.Warn().Err(err).Str("key", key).Msg("failed to discard document")
	}
}

func render(in Input, issued time.Time) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.SetTitle("Ricetta Medica - "+in.Prescription.ID.String(), true)
	doc.SetCreator("MedicoSmart", true)
	doc.SetCreationDate(issued)
	doc.SetMargins(20, 20, 20)
	doc.AddPage()

	today := issued.Format("02/01/2006")
	d := in.Doctor

	// Letterhead
	doc.SetFillColor(0, 94, 184)
	doc.SetTextColor(255, 255, 255)
	doc.SetFont("Helvetica", "B", 18)
	doc.CellFormat(0, 12, "RICETTA MEDICA", "", 1, "L", true, 0, "")
	doc.SetFont("Helvetica", "B", 11)
	doc.CellFormat(0, 6, tr(strings.TrimSpace(d.Title+" "+d.FullName)), "", 1, "L", true, 0, "")
	doc.SetFont("Helvetica", "", 9)
	spec := d.Specialization
	if spec == "" {
		spec = "Medico Chirurgo"
	}
	lines := []string{spec}
	if d.Address != "" {
		lines = append(lines, d.Address)
	}
	if d.Phone != "" || d.Email != "" {
		lines = append(lines, fmt.Sprintf("Tel: %s | Email: %s", d.Phone, d.Email))
	}
	if d.LicenseNumber != "" {
		lines = append(lines, "Ordine dei Medici N. "+d.LicenseNumber)
	}
	for _, l := range lines {
		doc.CellFormat(0, 5, tr(l), "", 1, "L", true, 0, "")
	}
	doc.Ln(8)

	// Patient
	p := in.Patient
	doc.SetTextColor(51, 51, 51)
	doc.SetFillColor(245, 245, 245)
	field := func(label, value string) {
		doc.SetFont("Helvetica", "B", 11)
		doc.CellFormat(45, 6, tr(label), "", 0, "L", true, 0, "")
		doc.SetFont("Helvetica", "", 11)
		doc.CellFormat(0, 6, tr(value), "", 1, "L", true, 0, "")
	}
	field("Paziente:", p.FirstName+" "+p.LastName)
	if !p.BirthDate.IsZero() {
		field("Data di nascita:", p.BirthDate.Format("02/01/2006"))
	}
	if p.FiscalCode != "" {
		field("Codice Fiscale:", p.FiscalCode)
	}
	field("Data prescrizione:", today)
	doc.Ln(6)

	if in.Prescription.Diagnosis != "" {
		doc.SetFont("Helvetica", "B", 11)
		doc.CellFormat(0, 6, tr("Diagnosi/Quesito diagnostico:"), "", 1, "L", false, 0, "")
		doc.SetFont("Helvetica", "I", 11)
		doc.MultiCell(0, 6, tr(in.Prescription.Diagnosis), "", "L", false)
		doc.Ln(4)
	}

	doc.SetFont("Helvetica", "B", 11)
	doc.CellFormat(0, 6, "PRESCRIZIONE", "", 1, "L", false, 0, "")
	doc.SetFont("Times", "", 11)
	doc.MultiCell(0, 6, tr(in.Prescription.Content), "", "L", false)
	doc.Ln(12)

	doc.SetFont("Helvetica", "", 8)
	doc.SetTextColor(102, 102, 102)
	doc.MultiCell(0, 4, tr(fmt.Sprintf("Documento generato digitalmente - MedicoSmart\nRx ID: %s\nData: %s",
		strings.ToUpper(in.Prescription.ID.String()), today)), "T", "L", false)
	doc.Ln(12)

	doc.SetTextColor(51, 51, 51)
	doc.SetFont("Helvetica", "", 10)
	doc.CellFormat(0, 6, "Data e Firma del Medico", "", 1, "L", false, 0, "")
	doc.Ln(14)
	y := doc.GetY()
	doc.Line(20, y, 80, y)
	doc.Ln(2)
	doc.CellFormat(0, 6, tr(strings.TrimSpace(d.Title+" "+d.FullName)), "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
