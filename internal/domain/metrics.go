package domain

import "time"

// CampaignMetric is one campaign's numbers for a date range as returned by
// a MetricsSource. Date is set only when the source reports per-day rows.
type CampaignMetric struct {
	Date             string  `json:"date,omitempty"`
	CampaignID       string  `json:"campaign_id"`
	CampaignName     string  `json:"campaign_name"`
	Spend            float64 `json:"spend"`
	Impressions      int64   `json:"impressions"`
	Clicks           int64   `json:"clicks"`
	Contacts         int64   `json:"contacts"`
	FunnelStep1      int64   `json:"funnel_step_1"`
	FunnelStep2      int64   `json:"funnel_step_2"`
	FunnelStep3      int64   `json:"funnel_step_3"`
	Reservations     int64   `json:"reservations"`
	ReservationValue float64 `json:"reservation_value"`
}

// Funnel is the conversion funnel from first contact to completed
// reservation.
type Funnel struct {
	Contacts         int64   `json:"contacts"`
	Step1            int64   `json:"step_1"`
	Step2            int64   `json:"step_2"`
	Step3            int64   `json:"step_3"`
	Reservations     int64   `json:"reservations"`
	ReservationValue float64 `json:"reservation_value"`
}

// AccountTotals are the account-level aggregates of a set of campaign rows.
// Ratios whose denominator is zero are reported as zero.
type AccountTotals struct {
	Spend              float64 `json:"spend"`
	Impressions        int64   `json:"impressions"`
	Clicks             int64   `json:"clicks"`
	CTR                float64 `json:"ctr"`
	CPC                float64 `json:"cpc"`
	Funnel             Funnel  `json:"funnel"`
	ROAS               float64 `json:"roas"`
	CostPerReservation float64 `json:"cost_per_reservation"`
	CampaignCount      int     `json:"campaign_count"`
}

// Aggregate sums campaign rows and derives CTR, CPC, ROAS and cost per
// reservation. Rows sharing a CampaignID (per-day rows) count as one
// campaign.
func Aggregate(rows []CampaignMetric) AccountTotals {
	var t AccountTotals
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		t.Spend += r.Spend
		t.Impressions += r.Impressions
		t.Clicks += r.Clicks
		t.Funnel.Contacts += r.Contacts
		t.Funnel.Step1 += r.FunnelStep1
		t.Funnel.Step2 += r.FunnelStep2
		t.Funnel.Step3 += r.FunnelStep3
		t.Funnel.Reservations += r.Reservations
		t.Funnel.ReservationValue += r.ReservationValue
		seen[r.CampaignID] = struct{}{}
	}
	t.CampaignCount = len(seen)
	t.CTR = ratio(float64(t.Clicks), float64(t.Impressions))
	t.CPC = ratio(t.Spend, float64(t.Clicks))
	t.ROAS = ratio(t.Funnel.ReservationValue, t.Spend)
	t.CostPerReservation = ratio(t.Spend, float64(t.Funnel.Reservations))
	return t
}

// RollupCampaigns merges per-day rows into one row per campaign, keeping the
// first name seen. Order follows first appearance.
func RollupCampaigns(rows []CampaignMetric) []CampaignMetric {
	idx := make(map[string]int, len(rows))
	out := make([]CampaignMetric, 0, len(rows))
	for _, r := range rows {
		i, ok := idx[r.CampaignID]
		if !ok {
			r.Date = ""
			idx[r.CampaignID] = len(out)
			out = append(out, r)
			continue
		}
		m := &out[i]
		m.Spend += r.Spend
		m.Impressions += r.Impressions
		m.Clicks += r.Clicks
		m.Contacts += r.Contacts
		m.FunnelStep1 += r.FunnelStep1
		m.FunnelStep2 += r.FunnelStep2
		m.FunnelStep3 += r.FunnelStep3
		m.Reservations += r.Reservations
		m.ReservationValue += r.ReservationValue
	}
	return out
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// Snapshot is the cached payload for one (account, platform, period).
type Snapshot struct {
	AccountID   string           `json:"account_id"`
	Platform    Platform         `json:"platform"`
	PeriodID    string           `json:"period_id"`
	Granularity Granularity      `json:"granularity"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Campaigns   []CampaignMetric `json:"campaigns"`
	Totals      AccountTotals    `json:"totals"`
	LastUpdated time.Time        `json:"last_updated"`
}

// IsEmpty reports whether the snapshot carries no campaign data.
func (s Snapshot) IsEmpty() bool {
	return len(s.Campaigns) == 0 && s.Totals == (AccountTotals{})
}

// Source tags where a SmartCache result came from.
type Source string

const (
	SourceFreshCache          Source = "fresh-cache"
	SourceStaleCacheRefreshed Source = "stale-cache-refreshed"
	SourceLiveFallback        Source = "live-fallback"
	SourceHistoricalFallback  Source = "historical-fallback"
	SourceEmpty               Source = "empty"
)
