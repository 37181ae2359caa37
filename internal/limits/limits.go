// Package limits enforces per-organization daily and monthly request quotas
// based on the subscription tier.
package limits

import (
	"context"
	"strings"
	"time"
)

// Tier identifies a subscription plan.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Quota holds the request caps for one tier.
type Quota struct {
	Daily   int64
	Monthly int64
}

var tierQuotas = map[Tier]Quota{
	TierFree:       {Daily: 50, Monthly: 500},
	TierPro:        {Daily: 1000, Monthly: 10000},
	TierEnterprise: {Daily: 5000, Monthly: 50000},
}

// QuotaFor returns the caps for a tier. Unknown tiers fall back to FREE so a
// bad tier string never grants unlimited traffic.
func QuotaFor(tier Tier) Quota {
	if q, ok := tierQuotas[Tier(strings.ToUpper(string(tier)))]; ok {
		return q
	}
	return tierQuotas[TierFree]
}

// Reasons a request may be limited.
const (
	ReasonDaily   = "daily limit reached"
	ReasonMonthly = "monthly limit reached"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Limited bool
	Reason  string
}

// Limiter answers whether an organization is over quota and records served
// requests against its counters.
type Limiter interface {
	// Check reports whether the organization has exhausted its daily or
	// monthly quota. Backend failures degrade to not limited.
	Check(ctx context.Context, orgID string, tier Tier) (Decision, error)

	// RecordRequest counts one served request against both windows.
	RecordRequest(ctx context.Context, orgID string) error
}

func dayKey(orgID string, now time.Time) string {
	return "usage:day:" + orgID + ":" + now.UTC().Format("20060102")
}

func monthKey(orgID string, now time.Time) string {
	return "usage:month:" + orgID + ":" + now.UTC().Format("200601")
}
