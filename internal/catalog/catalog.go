// Package catalog maps platform store SKUs to subscription plans. The
// mapping is a typed lookup table validated at startup; resolving an SKU
// that is not in the table is a configuration error, not a retryable one.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	"github.com/rs/zerolog/log"
)

// Period is the billing period of a subscription SKU.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

// Plan is the resolution of one platform SKU.
type Plan struct {
	SKU    string           `json:"sku"`
	Role   entitlement.Role `json:"role"`
	Tier   entitlement.Tier `json:"tier"`
	Period Period           `json:"period"`
}

// Catalog is the SKU lookup table. It is safe for concurrent reads and may
// be swapped wholesale by the file watcher.
type Catalog struct {
	mu    sync.RWMutex
	plans map[string]Plan
	path  string
}

// defaultPlans covers the built-in subscription products. A JSON catalog
// file, when configured, replaces this table entirely.
var defaultPlans = []Plan{
	{SKU: "sellerbasic_monthly", Role: entitlement.RoleSeller, Tier: entitlement.TierBasic, Period: PeriodMonthly},
	{SKU: "sellerpro_monthly", Role: entitlement.RoleSeller, Tier: entitlement.TierPro, Period: PeriodMonthly},
	{SKU: "sellerenterprise_monthly", Role: entitlement.RoleSeller, Tier: entitlement.TierEnterprise, Period: PeriodMonthly},
	{SKU: "sellerbasic_yearly", Role: entitlement.RoleSeller, Tier: entitlement.TierBasic, Period: PeriodYearly},
	{SKU: "sellerpro_yearly", Role: entitlement.RoleSeller, Tier: entitlement.TierPro, Period: PeriodYearly},
	{SKU: "sellerenterprise_yearly", Role: entitlement.RoleSeller, Tier: entitlement.TierEnterprise, Period: PeriodYearly},
	{SKU: "influencerstarter_monthly", Role: entitlement.RoleInfluencer, Tier: entitlement.TierStarter, Period: PeriodMonthly},
	{SKU: "influencerrising_monthly", Role: entitlement.RoleInfluencer, Tier: entitlement.TierRising, Period: PeriodMonthly},
	{SKU: "influencerestablished_monthly", Role: entitlement.RoleInfluencer, Tier: entitlement.TierEstablished, Period: PeriodMonthly},
	{SKU: "influencerelite_monthly", Role: entitlement.RoleInfluencer, Tier: entitlement.TierElite, Period: PeriodMonthly},
}

// New returns a catalog holding the built-in plan table.
func New() *Catalog {
	c := &Catalog{plans: make(map[string]Plan, len(defaultPlans))}
	for _, p := range defaultPlans {
		c.plans[p.SKU] = p
	}
	return c
}

// Load builds a catalog from a JSON file containing an array of plans. The
// file replaces the built-in table; it is validated before being accepted.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	plans, err := parsePlans(data)
	if err != nil {
		return nil, err
	}

	c := &Catalog{plans: plans, path: path}
	log.Info().
		Str("path", path).
		Int("plans", len(plans)).
		Msg("Loaded SKU catalog")
	return c, nil
}

func parsePlans(data []byte) (map[string]Plan, error) {
	var list []Plan
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("catalog contains no plans")
	}

	plans := make(map[string]Plan, len(list))
	for _, p := range list {
		if p.SKU == "" {
			return nil, fmt.Errorf("catalog entry with empty sku")
		}
		if _, dup := plans[p.SKU]; dup {
			return nil, fmt.Errorf("duplicate sku %q in catalog", p.SKU)
		}
		if err := validatePlan(p); err != nil {
			return nil, err
		}
		plans[p.SKU] = p
	}
	return plans, nil
}

func validatePlan(p Plan) error {
	if !entitlement.ValidRole(p.Role) || p.Role == entitlement.RoleBuyer {
		return fmt.Errorf("sku %q: role %q is not purchasable", p.SKU, p.Role)
	}
	if !entitlement.ValidTierFor(p.Role, p.Tier) {
		return fmt.Errorf("sku %q: tier %q is not valid for role %q", p.SKU, p.Tier, p.Role)
	}
	switch p.Period {
	case PeriodMonthly, PeriodYearly:
	default:
		return fmt.Errorf("sku %q: unknown period %q", p.SKU, p.Period)
	}
	return nil
}

// Resolve looks up the plan for a platform product identifier.
func (c *Catalog) Resolve(productID string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[productID]
	return p, ok
}

// SKUs returns the known product identifiers in sorted order.
func (c *Catalog) SKUs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	skus := make([]string, 0, len(c.plans))
	for sku := range c.plans {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus
}

// Validate re-checks every plan in the table. The built-in table and any
// loaded file have already passed this; it exists for the CLI validate
// command and for tests.
func (c *Catalog) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.plans {
		if err := validatePlan(p); err != nil {
			return err
		}
	}
	return nil
}

// replace swaps the plan table after a successful reload.
func (c *Catalog) replace(plans map[string]Plan) {
	c.mu.Lock()
	c.plans = plans
	c.mu.Unlock()
}
