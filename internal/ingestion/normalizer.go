package ingestion

import (
	"strings"
	"time"

	"github.com/iamkalio/sre-agent/internal/models"
	"github.com/iamkalio/sre-agent/internal/utils"
)

// Source tags alerts received from the Alertmanager webhook.
const Source = "alertmanager"

// Normalizer converts Alertmanager payloads into NormalizedAlerts.
type Normalizer struct {
	now   func() time.Time
	newID func() string
}

// NewNormalizer returns a Normalizer using the wall clock and random ids.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now, newID: models.NewAlertID}
}

// Normalize maps one raw alert. The name defaults to "unknown", unknown
// severities become warning and anything other than "firing" is resolved.
func (n *Normalizer) Normalize(raw models.RawAlert) models.NormalizedAlert {
	labels := make(map[string]string, len(raw.Labels))
	for k, v := range raw.Labels {
		labels[k] = v
	}

	name := labels["alertname"]
	if name == "" {
		name = "unknown"
	}

	severity := labels["severity"]
	if severity == "" {
		severity = string(models.SeverityWarning)
	}

	status := models.AlertResolved
	if raw.Status == string(models.AlertFiring) {
		status = models.AlertFiring
	}

	now := n.now()
	alert := models.NormalizedAlert{
		ID:           n.newID(),
		Name:         name,
		Severity:     models.ParseSeverity(severity),
		Status:       status,
		Source:       Source,
		Summary:      raw.Annotations["summary"],
		Description:  raw.Annotations["description"],
		Labels:       labels,
		StartsAt:     utils.ParseAlertTime(raw.StartsAt, now),
		GeneratorURL: raw.GeneratorURL,
		Fingerprint:  strings.TrimSpace(raw.Fingerprint),
	}
	if raw.EndsAt != "" {
		endsAt := utils.ParseAlertTime(raw.EndsAt, now)
		alert.EndsAt = &endsAt
	}
	return alert
}

// NormalizePayload maps every alert in a webhook payload, preserving order.
func (n *Normalizer) NormalizePayload(payload models.AlertmanagerPayload) []models.NormalizedAlert {
	alerts := make([]models.NormalizedAlert, 0, len(payload.Alerts))
	for _, raw := range payload.Alerts {
		alerts = append(alerts, n.Normalize(raw))
	}
	return alerts
}

// Firing filters alerts down to those that should be investigated.
func Firing(alerts []models.NormalizedAlert) []models.NormalizedAlert {
	firing := make([]models.NormalizedAlert, 0, len(alerts))
	for _, a := range alerts {
		if a.Firing() {
			firing = append(firing, a)
		}
	}
	return firing
}

// PrepareManual fills the defaults a hand-crafted alert may omit.
func (n *Normalizer) PrepareManual(alert models.NormalizedAlert) models.NormalizedAlert {
	if alert.ID == "" {
		alert.ID = n.newID()
	}
	if alert.Name == "" {
		alert.Name = "unknown"
	}
	alert.Severity = models.ParseSeverity(string(alert.Severity))
	if alert.Status == "" {
		alert.Status = models.AlertFiring
	}
	if alert.Source == "" {
		alert.Source = "manual"
	}
	if alert.Labels == nil {
		alert.Labels = map[string]string{}
	}
	if alert.StartsAt.IsZero() {
		alert.StartsAt = n.now().UTC()
	}
	return alert
}
