// Copyright 2024 The MallQuest Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"time"
)

// Default VIP tier thresholds (VIP points) and coin multipliers, in tier
// order: bronze, silver, gold, platinum, diamond.
var (
	defaultVIPThresholds     = []int64{0, 1000, 5000, 20000, 100000}
	defaultVIPCoinMultiplier = []float64{1.0, 1.05, 1.10, 1.15, 1.25}
	defaultVIPUpgradeBonus   = []int64{0, 100, 500, 2000, 10000}
)

// TenantPolicy is the immutable, fully-resolved policy snapshot used for one
// receipt: server defaults merged with the tenant's overrides. Freezing the
// merge per receipt keeps reward computation auditable.
type TenantPolicy struct {
	TenantID            string
	BaseRate            float64
	XPRate              float64
	XPPerLevel          int
	EventMultiplierCap  float64
	MaxReceiptAmount    float64
	SuspiciousAmount    float64
	CategoryMultipliers map[string]float64
	TimeMultipliers     map[string]float64
	VIPThresholds       []int64
	VIPCoinMultipliers  []float64
	VIPUpgradeBonus     []int64
	StoreAllowList      []string
	WifiSSIDs           []string
	RequireWifiPresence bool
	DuplicateStoreCount int
	DuplicateStoreMins  int
	FirstCategoryBonus  int64
	Timezone            *time.Location
	Currency            string
}

// ResolvePolicy merges the server default policy with a tenant's overrides.
func ResolvePolicy(defaults *PolicyConfig, tenant *Tenant, fallbackTZ string) *TenantPolicy {
	p := &TenantPolicy{
		TenantID:            tenant.ID,
		BaseRate:            defaults.BaseRate,
		XPRate:              defaults.XPRate,
		XPPerLevel:          defaults.XPPerLevel,
		EventMultiplierCap:  defaults.EventMultiplierCap,
		MaxReceiptAmount:    defaults.MaxReceiptAmount,
		SuspiciousAmount:    defaults.SuspiciousAmount,
		CategoryMultipliers: defaults.CategoryMultipliers,
		TimeMultipliers:     defaults.TimeMultipliers,
		VIPThresholds:       defaultVIPThresholds,
		VIPCoinMultipliers:  defaultVIPCoinMultiplier,
		VIPUpgradeBonus:     defaultVIPUpgradeBonus,
		StoreAllowList:      tenant.StoreAllowList,
		WifiSSIDs:           tenant.WifiSSIDs,
		RequireWifiPresence: defaults.RequireWifiPresence,
		DuplicateStoreCount: defaults.DuplicateStoreCount,
		DuplicateStoreMins:  defaults.DuplicateStoreMins,
		FirstCategoryBonus:  defaults.FirstCategoryBonus,
		Currency:            "AED",
	}

	tz := tenant.Timezone
	if tz == "" {
		tz = fallbackTZ
	}
	loc, err := loadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	p.Timezone = loc

	o := tenant.PolicyOverrides
	if o == nil {
		return p
	}
	if o.BaseRate != nil {
		p.BaseRate = *o.BaseRate
	}
	if o.XPRate != nil {
		p.XPRate = *o.XPRate
	}
	if o.XPPerLevel != nil {
		p.XPPerLevel = *o.XPPerLevel
	}
	if o.EventMultiplierCap != nil {
		p.EventMultiplierCap = *o.EventMultiplierCap
	}
	if o.MaxReceiptAmount != nil {
		p.MaxReceiptAmount = *o.MaxReceiptAmount
	}
	if o.SuspiciousAmount != nil {
		p.SuspiciousAmount = *o.SuspiciousAmount
	}
	if len(o.CategoryMultipliers) > 0 {
		merged := make(map[string]float64, len(p.CategoryMultipliers)+len(o.CategoryMultipliers))
		for k, v := range p.CategoryMultipliers {
			merged[k] = v
		}
		for k, v := range o.CategoryMultipliers {
			merged[k] = v
		}
		p.CategoryMultipliers = merged
	}
	if len(o.VIPThresholds) > 0 {
		p.VIPThresholds = o.VIPThresholds
	}
	if o.RequireWifiPresence != nil {
		p.RequireWifiPresence = *o.RequireWifiPresence
	}
	return p
}

// CategoryMultiplier returns the multiplier for a category, defaulting 1.0.
func (p *TenantPolicy) CategoryMultiplier(category string) float64 {
	if m, ok := p.CategoryMultipliers[category]; ok {
		return m
	}
	return 1.0
}

// TimeMultiplier returns the multiplier for the bucket containing now.
func (p *TenantPolicy) TimeMultiplier(now time.Time) float64 {
	if m, ok := p.TimeMultipliers[timeBucket(now.In(p.Timezone))]; ok {
		return m
	}
	return 1.0
}

// VIPCoinMultiplier returns the coin multiplier for a tier.
func (p *TenantPolicy) VIPCoinMultiplier(tier VIPTier) float64 {
	if int(tier) < len(p.VIPCoinMultipliers) {
		return p.VIPCoinMultipliers[tier]
	}
	return p.VIPCoinMultipliers[len(p.VIPCoinMultipliers)-1]
}

// TierFor maps VIP points onto a tier via the threshold step function.
func (p *TenantPolicy) TierFor(vipPoints int64) VIPTier {
	tier := VIPBronze
	for i, threshold := range p.VIPThresholds {
		if vipPoints >= threshold {
			tier = VIPTier(i)
		}
	}
	return tier
}

// UpgradeBonus returns the one-time coin bonus credited on reaching a tier.
func (p *TenantPolicy) UpgradeBonus(tier VIPTier) int64 {
	if int(tier) < len(p.VIPUpgradeBonus) {
		return p.VIPUpgradeBonus[tier]
	}
	return 0
}

// StoreAllowed reports whether a store passes the tenant allow-list. An
// empty allow-list admits every store.
func (p *TenantPolicy) StoreAllowed(storeName string) bool {
	if len(p.StoreAllowList) == 0 {
		return true
	}
	for _, s := range p.StoreAllowList {
		if s == storeName {
			return true
		}
	}
	return false
}

// WifiMatch reports whether a declared SSID is one of the tenant's.
func (p *TenantPolicy) WifiMatch(ssid string) bool {
	for _, s := range p.WifiSSIDs {
		if s == ssid {
			return true
		}
	}
	return false
}

// timeBucket classifies a local time into the multiplier buckets. Weekend
// wins over the hour-of-day buckets.
func timeBucket(t time.Time) string {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	}
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return "morning"
	case h >= 12 && h < 17:
		return "afternoon"
	case h >= 17 && h < 22:
		return "evening"
	default:
		return "night"
	}
}

// dayString renders a calendar day in the policy timezone.
func (p *TenantPolicy) dayString(t time.Time) string {
	return t.In(p.Timezone).Format("2006-01-02")
}

func loadLocation(name string) (*time.Location, error) {
	return time.LoadLocation(name)
}
