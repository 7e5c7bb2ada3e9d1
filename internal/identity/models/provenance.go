package models

import (
	"maps"
	"time"
)

// IPProvenance tracks every address an identity has presented.
type IPProvenance struct {
	// AddressesSeen is ordered by first observation; the order is the
	// tie-break when electing the primary address.
	AddressesSeen       []string             `json:"addressesSeen"`
	FrequencyByAddress  map[string]int       `json:"frequencyByAddress"`
	LastSeenAt          map[string]time.Time `json:"lastSeenAt"`
	PrimaryAddress      string               `json:"primaryAddress"`
	SuspiciousAddresses []string             `json:"suspiciousAddresses"`
}

// TrustPolicy parameterizes the suspicious-address heuristic.
type TrustPolicy struct {
	// Threshold is the observation count at which the primary address is
	// considered established.
	Threshold int
	// Window is the grace period after registration during which new
	// addresses are never flagged.
	Window time.Duration
}

// DefaultTrustPolicy matches production defaults.
var DefaultTrustPolicy = TrustPolicy{Threshold: 10, Window: 24 * time.Hour}

func newProvenance(address string, now time.Time) IPProvenance {
	return IPProvenance{
		AddressesSeen:       []string{address},
		FrequencyByAddress:  map[string]int{address: 1},
		LastSeenAt:          map[string]time.Time{address: now},
		PrimaryAddress:      address,
		SuspiciousAddresses: []string{},
	}
}

// Touch records one observation of address and reports whether this
// observation was flagged suspicious.
//
// A brand-new address is suspicious only when the primary address has at
// least policy.Threshold observations and the identity is older than
// policy.Window. Re-observing a known address is never suspicious.
func (i *Identity) Touch(address string, now time.Time, policy TrustPolicy) bool {
	p := &i.IPProvenance
	if p.FrequencyByAddress == nil {
		p.FrequencyByAddress = map[string]int{}
	}
	if p.LastSeenAt == nil {
		p.LastSeenAt = map[string]time.Time{}
	}

	p.FrequencyByAddress[address]++
	p.LastSeenAt[address] = now

	firstSeen := !p.hasSeen(address)
	if firstSeen {
		p.AddressesSeen = append(p.AddressesSeen, address)
	}
	p.electPrimary()

	if !firstSeen {
		return false
	}
	established := p.FrequencyByAddress[p.PrimaryAddress] >= policy.Threshold
	withinGracePeriod := now.Sub(i.CreatedAt) <= policy.Window
	if !established || withinGracePeriod {
		return false
	}
	if !p.IsSuspicious(address) {
		p.SuspiciousAddresses = append(p.SuspiciousAddresses, address)
	}
	return true
}

// IsSuspicious reports whether address has been flagged.
func (p *IPProvenance) IsSuspicious(address string) bool {
	for _, a := range p.SuspiciousAddresses {
		if a == address {
			return true
		}
	}
	return false
}

func (p *IPProvenance) hasSeen(address string) bool {
	for _, a := range p.AddressesSeen {
		if a == address {
			return true
		}
	}
	return false
}

// electPrimary picks the argmax of FrequencyByAddress, scanning in
// first-observed order so the earliest address keeps ties.
func (p *IPProvenance) electPrimary() {
	best, bestCount := "", -1
	for _, a := range p.AddressesSeen {
		if c := p.FrequencyByAddress[a]; c > bestCount {
			best, bestCount = a, c
		}
	}
	p.PrimaryAddress = best
}

func (p IPProvenance) clone() IPProvenance {
	return IPProvenance{
		AddressesSeen:       append([]string(nil), p.AddressesSeen...),
		FrequencyByAddress:  maps.Clone(p.FrequencyByAddress),
		LastSeenAt:          maps.Clone(p.LastSeenAt),
		PrimaryAddress:      p.PrimaryAddress,
		SuspiciousAddresses: append([]string(nil), p.SuspiciousAddresses...),
	}
}
