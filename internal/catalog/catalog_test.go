package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBuiltinPlans(t *testing.T) {
	c := New()

	plan, ok := c.Resolve("sellerpro_monthly")
	require.True(t, ok)
	assert.Equal(t, entitlement.RoleSeller, plan.Role)
	assert.Equal(t, entitlement.TierPro, plan.Tier)
	assert.Equal(t, PeriodMonthly, plan.Period)

	plan, ok = c.Resolve("influencerelite_monthly")
	require.True(t, ok)
	assert.Equal(t, entitlement.RoleInfluencer, plan.Role)
	assert.Equal(t, entitlement.TierElite, plan.Tier)

	_, ok = c.Resolve("unknown_sku_xyz")
	assert.False(t, ok)

	require.NoError(t, c.Validate())
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file replaces the builtin table", func(t *testing.T) {
		path := filepath.Join(dir, "catalog.json")
		data := `[
			{"sku": "custom_pro", "role": "seller", "tier": "pro", "period": "monthly"},
			{"sku": "custom_elite", "role": "influencer", "tier": "elite", "period": "yearly"}
		]`
		require.NoError(t, os.WriteFile(path, []byte(data), 0600))

		c, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"custom_elite", "custom_pro"}, c.SKUs())
		_, ok := c.Resolve("sellerpro_monthly")
		assert.False(t, ok, "builtin plans should not survive a file load")
	})

	t.Run("rejects duplicate skus", func(t *testing.T) {
		path := filepath.Join(dir, "dup.json")
		data := `[
			{"sku": "a", "role": "seller", "tier": "pro", "period": "monthly"},
			{"sku": "a", "role": "seller", "tier": "basic", "period": "monthly"}
		]`
		require.NoError(t, os.WriteFile(path, []byte(data), 0600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "duplicate sku")
	})

	t.Run("rejects buyer plans", func(t *testing.T) {
		path := filepath.Join(dir, "buyer.json")
		data := `[{"sku": "b", "role": "buyer", "tier": "", "period": "monthly"}]`
		require.NoError(t, os.WriteFile(path, []byte(data), 0600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "not purchasable")
	})

	t.Run("rejects tier outside the role's set", func(t *testing.T) {
		path := filepath.Join(dir, "tier.json")
		data := `[{"sku": "c", "role": "seller", "tier": "elite", "period": "monthly"}]`
		require.NoError(t, os.WriteFile(path, []byte(data), 0600))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("rejects an empty catalog", func(t *testing.T) {
		path := filepath.Join(dir, "empty.json")
		require.NoError(t, os.WriteFile(path, []byte(`[]`), 0600))

		_, err := Load(path)
		assert.ErrorContains(t, err, "no plans")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})
}
