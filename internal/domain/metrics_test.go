package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate(t *testing.T) {
	rows := []CampaignMetric{
		{CampaignID: "c1", Spend: 100, Impressions: 10000, Clicks: 200, Contacts: 40, FunnelStep1: 30, FunnelStep2: 20, FunnelStep3: 10, Reservations: 5, ReservationValue: 1500},
		{CampaignID: "c2", Spend: 50, Impressions: 5000, Clicks: 50, Contacts: 10, FunnelStep1: 8, FunnelStep2: 4, FunnelStep3: 2, Reservations: 1, ReservationValue: 300},
	}

	got := Aggregate(rows)

	assert.Equal(t, 150.0, got.Spend)
	assert.Equal(t, int64(15000), got.Impressions)
	assert.Equal(t, int64(250), got.Clicks)
	assert.InDelta(t, 250.0/15000.0, got.CTR, 1e-9)
	assert.InDelta(t, 150.0/250.0, got.CPC, 1e-9)
	assert.Equal(t, Funnel{Contacts: 50, Step1: 38, Step2: 24, Step3: 12, Reservations: 6, ReservationValue: 1800}, got.Funnel)
	assert.InDelta(t, 12.0, got.ROAS, 1e-9)
	assert.InDelta(t, 25.0, got.CostPerReservation, 1e-9)
	assert.Equal(t, 2, got.CampaignCount)
}

func TestAggregate_ZeroDenominators(t *testing.T) {
	got := Aggregate([]CampaignMetric{{CampaignID: "c1"}})
	assert.Zero(t, got.CTR)
	assert.Zero(t, got.CPC)
	assert.Zero(t, got.ROAS)
	assert.Zero(t, got.CostPerReservation)

	assert.Equal(t, AccountTotals{}, Aggregate(nil))
}

func TestAggregate_PerDayRowsCountOneCampaign(t *testing.T) {
	rows := []CampaignMetric{
		{Date: "2025-09-01", CampaignID: "c1", Spend: 10},
		{Date: "2025-09-02", CampaignID: "c1", Spend: 15},
	}
	got := Aggregate(rows)
	assert.Equal(t, 1, got.CampaignCount)
	assert.Equal(t, 25.0, got.Spend)
}

func TestRollupCampaigns(t *testing.T) {
	rows := []CampaignMetric{
		{Date: "2025-09-01", CampaignID: "c1", CampaignName: "Summer", Spend: 10, Clicks: 1},
		{Date: "2025-09-01", CampaignID: "c2", CampaignName: "Fall", Spend: 5},
		{Date: "2025-09-02", CampaignID: "c1", CampaignName: "Summer", Spend: 15, Clicks: 2},
	}

	got := RollupCampaigns(rows)

	assert.Len(t, got, 2)
	assert.Equal(t, CampaignMetric{CampaignID: "c1", CampaignName: "Summer", Spend: 25, Clicks: 3}, got[0])
	assert.Equal(t, "c2", got[1].CampaignID)
	assert.Empty(t, got[1].Date)
	// Input rows are not modified.
	assert.Equal(t, "2025-09-01", rows[0].Date)
}

func TestSnapshotIsEmpty(t *testing.T) {
	assert.True(t, Snapshot{AccountID: "a"}.IsEmpty())
	assert.False(t, Snapshot{Campaigns: []CampaignMetric{{CampaignID: "c"}}}.IsEmpty())
}

func TestParsePlatformAndGranularity(t *testing.T) {
	p, err := ParsePlatform(" Meta ")
	assert.NoError(t, err)
	assert.Equal(t, PlatformMeta, p)

	_, err = ParsePlatform("tiktok")
	assert.ErrorIs(t, err, ErrUnknownPlatform)

	g, err := ParseGranularity("weekly")
	assert.NoError(t, err)
	assert.Equal(t, Week, g)
	assert.Equal(t, "weekly", g.SummaryType())
	assert.Equal(t, 53, g.DefaultWindow())
	assert.Equal(t, 12, Month.DefaultWindow())

	_, err = ParseGranularity("quarter")
	assert.ErrorIs(t, err, ErrUnknownGranularity)
}
