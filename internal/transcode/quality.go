// SPDX-License-Identifier: MIT

package transcode

// Tier is a fixed encoder effort/compression setting. Tiers are a lookup
// table, never computed.
type Tier struct {
	Name   string
	Preset string
	CRF    int
}

var tiers = map[string]Tier{
	"low":     {Name: "low", Preset: "veryfast", CRF: 23},
	"medium":  {Name: "medium", Preset: "medium", CRF: 26},
	"high":    {Name: "high", Preset: "slow", CRF: 28},
	"extreme": {Name: "extreme", Preset: "veryslow", CRF: 32},
}

// TierFor maps a quality name to its tier, defaulting to medium.
func TierFor(quality string) Tier {
	if t, ok := tiers[quality]; ok {
		return t
	}
	return tiers["medium"]
}
