package model

import (
	"fmt"
	"strings"
)

// Tier is a recipient subscription tier
type Tier string

const (
	TierBasic   Tier = "BASIC"
	TierPro     Tier = "PRO"
	TierPremium Tier = "PREMIUM"
)

// Rank orders tiers, higher first in dispatch
func (t Tier) Rank() int {
	switch t {
	case TierPremium:
		return 3
	case TierPro:
		return 2
	case TierBasic:
		return 1
	}
	return 0
}

// MediaEligible reports whether the tier receives the media header
func (t Tier) MediaEligible() bool {
	switch t {
	case TierPro, TierPremium:
		return true
	case TierBasic:
		return false
	}
	return false
}

// UnmarshalText accepts any case and maps platform aliases
func (t *Tier) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "BASIC", "FREE", "":
		*t = TierBasic
	case "PRO", "STANDARD":
		*t = TierPro
	case "PREMIUM", "ENTERPRISE":
		*t = TierPremium
	default:
		return fmt.Errorf("unknown tier %q", string(b))
	}
	return nil
}

// Recipient is one member of the daily cohort
type Recipient struct {
	ID       string `json:"id" yaml:"id"`
	Phone    string `json:"phone" yaml:"phone"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Language string `json:"language" yaml:"language"`
	Tier     Tier   `json:"tier" yaml:"tier"`
	Status   string `json:"status,omitempty" yaml:"status"`
}

// DisplayName is the personalization value for {{1}}
func (r Recipient) DisplayName() string {
	if n := strings.TrimSpace(r.Name); n != "" {
		return n
	}
	return "there"
}

// Content is the day's approved piece of content
type Content struct {
	ID       string `json:"id" yaml:"id"`
	Type     string `json:"type" yaml:"type"`
	Purpose  string `json:"purpose" yaml:"purpose"`
	Body     string `json:"body" yaml:"body"`
	MediaRef string `json:"media_ref,omitempty" yaml:"media_ref"`
	Language string `json:"language" yaml:"language"`
}
