// Package entitlement defines the (role, tier) model that determines a
// user's feature access, and the arbitration rules that decide which of two
// competing entitlement changes wins.
package entitlement

import (
	"fmt"
	"time"
)

// Role represents a user's account role. Buyer is the default/floor state.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleInfluencer Role = "influencer"
)

// Tier represents a subscription tier within a role. Meaningless when the
// role is buyer.
type Tier string

const (
	// Seller tiers
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"

	// Influencer tiers
	TierStarter     Tier = "starter"
	TierRising      Tier = "rising"
	TierEstablished Tier = "established"
	TierElite       Tier = "elite"
)

// Source records why the current tier was set. It is used to arbitrate
// conflicting updates arriving from the store and from admin approvals.
type Source string

const (
	SourceDefault       Source = "default"
	SourcePurchase      Source = "purchase"
	SourceAdminApproval Source = "adminApproval"
)

// UserEntitlement is the authoritative shape tracked across the backend,
// the local persistent store, and the in-memory session.
type UserEntitlement struct {
	UserID       string    `json:"userId"`
	Role         Role      `json:"role"`
	Tier         Tier      `json:"tier,omitempty"`
	TierSource   Source    `json:"tierSource"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// Change is a requested entitlement mutation with its provenance.
type Change struct {
	Role   Role
	Tier   Tier
	Source Source
	At     time.Time
}

// Default returns the entitlement a user holds at first login.
func Default(userID string) UserEntitlement {
	return UserEntitlement{
		UserID:     userID,
		Role:       RoleBuyer,
		TierSource: SourceDefault,
	}
}

var sellerTiers = map[Tier]int{
	TierBasic:      1,
	TierPro:        2,
	TierEnterprise: 3,
}

var influencerTiers = map[Tier]int{
	TierStarter:     1,
	TierRising:      2,
	TierEstablished: 3,
	TierElite:       4,
}

// ValidRole reports whether the role is one of the known roles.
func ValidRole(role Role) bool {
	switch role {
	case RoleBuyer, RoleSeller, RoleInfluencer:
		return true
	}
	return false
}

// ValidTierFor reports whether the tier belongs to the role's tier set.
// Buyer accepts only an empty tier.
func ValidTierFor(role Role, tier Tier) bool {
	switch role {
	case RoleBuyer:
		return tier == ""
	case RoleSeller:
		_, ok := sellerTiers[tier]
		return ok
	case RoleInfluencer:
		_, ok := influencerTiers[tier]
		return ok
	}
	return false
}

// Rank orders (role, tier) pairs by privilege so a restore can pick the
// highest-privilege active purchase. Buyer ranks 0; seller tiers rank below
// influencer tiers.
func Rank(role Role, tier Tier) int {
	switch role {
	case RoleSeller:
		return sellerTiers[tier]
	case RoleInfluencer:
		return len(sellerTiers) + influencerTiers[tier]
	default:
		return 0
	}
}

// Supersedes decides whether an incoming change is allowed to overwrite the
// current entitlement:
//   - a default source is always overridable
//   - a purchase-sourced change always wins
//   - an admin-approval change wins only if it is at least as recent as the
//     current entitlement's last sync
func Supersedes(incoming Change, current UserEntitlement) bool {
	if current.TierSource == SourceDefault {
		return true
	}
	switch incoming.Source {
	case SourcePurchase:
		return true
	case SourceAdminApproval:
		if current.TierSource == SourcePurchase {
			return !incoming.At.Before(current.LastSyncedAt)
		}
		return true
	}
	return false
}

// Validate checks the change against the known role/tier sets.
func (c Change) Validate() error {
	if !ValidRole(c.Role) {
		return fmt.Errorf("unknown role %q", c.Role)
	}
	if !ValidTierFor(c.Role, c.Tier) {
		return fmt.Errorf("tier %q is not valid for role %q", c.Tier, c.Role)
	}
	return nil
}
