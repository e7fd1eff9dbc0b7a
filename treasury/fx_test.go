package treasury_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/treasury-engine/treasury"
)

func TestFX_IdentityConversion(t *testing.T) {
	env := newTestEnv(t)
	fx := treasury.NewFXService(env.repo, env.snap.ID)

	got, err := fx.Convert(context.Background(), eur("100.00"), "EUR", asOf)
	require.NoError(t, err)
	assert.True(t, got.Value.Equal(dec("100.00")))
}

func TestFX_MissingRateNeverDefaultsToOne(t *testing.T) {
	env := newTestEnv(t)
	fx := treasury.NewFXService(env.repo, env.snap.ID)

	_, err := fx.Convert(context.Background(), treasury.NewMoneyFromString("1000", "USD"), "EUR", asOf)
	var missing *treasury.FXMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "USD", missing.From)
	assert.Equal(t, "EUR", missing.To)
}

func TestFX_WeeklyBandingPicksMostRecent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.engine.SetFXRates(ctx, env.snap.ID, []*treasury.WeeklyFXRate{
		{FromCurrency: "USD", ToCurrency: "EUR", Rate: dec("0.95")}, // as-of fallback
		{FromCurrency: "USD", ToCurrency: "EUR", EffectiveWeekStart: date(2024, time.March, 4), Rate: dec("0.92")},
		{FromCurrency: "USD", ToCurrency: "EUR", EffectiveWeekStart: date(2024, time.March, 11), Rate: dec("0.90")},
	}, "tester")
	require.NoError(t, err)

	fx := treasury.NewFXService(env.repo, env.snap.ID)

	rate, ok, err := fx.Rate(ctx, "USD", "EUR", date(2024, time.March, 13))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("0.90")), "band starting Mar 11 covers Mar 13")

	rate, ok, err = fx.Rate(ctx, "USD", "EUR", date(2024, time.March, 6))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("0.92")))

	// Before any weekly band: the as-of rate applies.
	rate, ok, err = fx.Rate(ctx, "USD", "EUR", date(2024, time.February, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rate.Equal(dec("0.95")))
}

func TestFX_InvalidRateRejected(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.SetFXRates(context.Background(), env.snap.ID, []*treasury.WeeklyFXRate{
		{FromCurrency: "USD", ToCurrency: "EUR", Rate: dec("0")},
	}, "tester")
	assert.ErrorIs(t, err, treasury.ErrInvalidRate)
}

func TestFX_RatesFrozenAfterLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.LockSnapshot(ctx, env.snap.ID, "cfo", true,
		"Approved for weekly treasury meeting; empty book lock for testing.")
	require.NoError(t, err)

	err = env.engine.SetFXRates(ctx, env.snap.ID, []*treasury.WeeklyFXRate{
		{FromCurrency: "USD", ToCurrency: "EUR", Rate: dec("0.92")},
	}, "tester")
	assert.ErrorIs(t, err, treasury.ErrSnapshotLocked)
}
