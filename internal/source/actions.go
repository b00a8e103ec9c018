package source

import (
	"github.com/ignite/adperf-engine/internal/config"
	"github.com/ignite/adperf-engine/internal/domain"
)

// DefaultMetaActions maps Meta standard events onto the booking funnel.
var DefaultMetaActions = config.FunnelActions{
	Contacts:     "contact_total",
	Step1:        "view_content",
	Step2:        "initiate_checkout",
	Step3:        "add_payment_info",
	Reservations: "purchase",
}

// DefaultGoogleActions uses conversion action names as created in the
// Google Ads UI.
var DefaultGoogleActions = config.FunnelActions{
	Contacts:     "Contact",
	Step1:        "Funnel Step 1",
	Step2:        "Funnel Step 2",
	Step3:        "Funnel Step 3",
	Reservations: "Reservation",
}

func actionsOrDefault(a, def config.FunnelActions) config.FunnelActions {
	if a.IsZero() {
		return def
	}
	return a
}

// applyAction adds count (and value, for reservations) of the named action
// to m. Unmapped actions are ignored.
func applyAction(a config.FunnelActions, m *domain.CampaignMetric, action string, count, value float64) {
	if action == "" {
		return
	}
	n := int64(count + 0.5)
	switch action {
	case a.Contacts:
		m.Contacts += n
	case a.Step1:
		m.FunnelStep1 += n
	case a.Step2:
		m.FunnelStep2 += n
	case a.Step3:
		m.FunnelStep3 += n
	case a.Reservations:
		m.Reservations += n
		m.ReservationValue += value
	}
}
