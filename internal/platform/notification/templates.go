package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// PrescriptionContent is the data shown in outgoing messages. Clinical
// content is never included; recipients follow the document link.
type PrescriptionContent struct {
	PatientFirstName string
	PatientLastName  string
	PatientBirthDate time.Time
	DoctorTitle      string
	DoctorFullName   string
	Specialization   string
	DoctorAddress    string
	DoctorPhone      string
	DocumentURL      string
	IssuedAt         time.Time
}

const italianDate = "02/01/2006"

var emailTemplate = template.Must(template.New("prescription-email").Parse(`<!DOCTYPE html>
<html lang="it">
<head><meta charset="UTF-8"><title>Ricetta Medica</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
<div style="max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #005eb8; color: #fff; padding: 30px; text-align: center;"><h1 style="margin: 0;">RICETTA MEDICA</h1></div>
  <div style="background: #f9f9f9; padding: 30px;">
    <p><strong>Medico:</strong> {{.DoctorTitle}} {{.DoctorFullName}}</p>
    <p><strong>Specializzazione:</strong> {{.Specialization}}</p>
    {{if .DoctorAddress}}<p><strong>Studio:</strong> {{.DoctorAddress}}</p>{{end}}
    {{if .DoctorPhone}}<p><strong>Tel:</strong> {{.DoctorPhone}}</p>{{end}}
    <p><strong>Paziente:</strong> {{.PatientFirstName}} {{.PatientLastName}}</p>
    {{if .BirthDate}}<p><strong>Data di nascita:</strong> {{.BirthDate}}</p>{{end}}
    <p><strong>Data prescrizione:</strong> {{.Date}}</p>
    <p>Gentile paziente,</p>
    <p>Il medico le ha inviato una prescrizione medica. Trova il documento allegato a questa email.</p>
    {{if .DocumentURL}}<p><a href="{{.DocumentURL}}" style="background: #005eb8; color: #fff; padding: 12px 30px; text-decoration: none;">Scarica PDF</a></p>{{end}}
  </div>
  <div style="text-align: center; padding: 20px; color: #666; font-size: 12px;">
    <p>Questa comunicazione è inviata da MedicoSmart</p>
  </div>
</div>
</body>
</html>`))

type emailView struct {
	PrescriptionContent
	BirthDate string
	Date      string
}

// RenderEmail builds the subject and bodies of the prescription email.
func RenderEmail(c PrescriptionContent) (EmailMessage, error) {
	if c.Specialization == "" {
		c.Specialization = "Medico Chirurgo"
	}
	date := issuedDate(c)
	view := emailView{PrescriptionContent: c, Date: date}
	if !c.PatientBirthDate.IsZero() {
		view.BirthDate = c.PatientBirthDate.Format(italianDate)
	}

	var html bytes.Buffer
	if err := emailTemplate.Execute(&html, view); err != nil {
		return EmailMessage{}, fmt.Errorf("render email: %w", err)
	}

	text := fmt.Sprintf("Gentile paziente,\n\n%s %s le ha inviato una prescrizione medica del %s.\nIl documento è allegato a questa email.",
		c.DoctorTitle, c.DoctorFullName, date)
	if c.DocumentURL != "" {
		text += "\nScarica il documento: " + c.DocumentURL
	}

	return EmailMessage{
		Subject:  fmt.Sprintf("Ricetta Medica - %s %s - %s", c.PatientFirstName, c.PatientLastName, date),
		HTMLBody: html.String(),
		TextBody: strings.TrimSpace(text),
	}, nil
}

// RenderSMS builds the text message carrying the document link.
func RenderSMS(c PrescriptionContent) string {
	link := c.DocumentURL
	if link == "" {
		link = "Link non disponibile"
	}
	return fmt.Sprintf("MedicoSmart: Nuova ricetta medica per %s %s del %s. Scarica il documento: %s",
		c.PatientFirstName, c.PatientLastName, issuedDate(c), link)
}

// AttachmentName returns the file name used for the emailed document.
func AttachmentName(lastName string, issued time.Time) string {
	return fmt.Sprintf("ricetta_%s_%s.pdf", lastName, issued.Format("02-01-2006"))
}

func issuedDate(c PrescriptionContent) string {
	t := c.IssuedAt
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format(italianDate)
}
