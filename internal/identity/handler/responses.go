package handler

import (
	"time"

	"trustcore/internal/identity/models"
)

// IdentityResponse is the public view of an identity. The fingerprint is
// never echoed since it authorizes credential bootstrap.
type IdentityResponse struct {
	ID           string               `json:"id"`
	Roles        []string             `json:"roles"`
	Tags         map[string]any       `json:"tags"`
	Metadata     map[string]any       `json:"metadata"`
	CreatedAt    time.Time            `json:"created_at"`
	IPProvenance IPProvenanceResponse `json:"ip_provenance"`
}

type IPProvenanceResponse struct {
	AddressesSeen       []string             `json:"addresses_seen"`
	FrequencyByAddress  map[string]int       `json:"frequency_by_address"`
	LastSeenAt          map[string]time.Time `json:"last_seen_at"`
	PrimaryAddress      string               `json:"primary_address"`
	SuspiciousAddresses []string             `json:"suspicious_addresses"`
}

// TouchResponse is returned by GET /identities/{id}.
type TouchResponse struct {
	Identity   *IdentityResponse `json:"identity"`
	Suspicious bool              `json:"suspicious"`
}

func FromIdentity(i *models.Identity) *IdentityResponse {
	roles := make([]string, len(i.Roles))
	for n, r := range i.Roles {
		roles[n] = r.String()
	}
	p := i.IPProvenance
	return &IdentityResponse{
		ID:        i.ID.String(),
		Roles:     roles,
		Tags:      nonNil(i.Tags),
		Metadata:  nonNil(i.Metadata),
		CreatedAt: i.CreatedAt,
		IPProvenance: IPProvenanceResponse{
			AddressesSeen:       p.AddressesSeen,
			FrequencyByAddress:  p.FrequencyByAddress,
			LastSeenAt:          p.LastSeenAt,
			PrimaryAddress:      p.PrimaryAddress,
			SuspiciousAddresses: nonNilSlice(p.SuspiciousAddresses),
		},
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
