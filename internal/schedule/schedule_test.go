package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beliaevvc/reskinlab-sub002/internal/domain"
)

func itemsWith(symbols, animation bool) []domain.SpecItem {
	return []domain.SpecItem{
		{Key: "bg", Name: "Background", Quantity: 1, UnitPrice: 100},
		{Key: "sym", Name: "Symbol set", Quantity: 1, UnitPrice: 100, Symbols: symbols},
		{Key: "anim", Name: "Win animation", Quantity: 1, UnitPrice: 100, Animation: animation},
	}
}

func TestParseModel(t *testing.T) {
	assert.Equal(t, FullPre, ParseModel("FullPre"))
	assert.Equal(t, FullPre, ParseModel("full_pre"))
	assert.Equal(t, Zero, ParseModel("Zero"))
	assert.Equal(t, Standard, ParseModel("Standard"))
	assert.Equal(t, Standard, ParseModel(""))
	assert.Equal(t, Standard, ParseModel("something-else"))
}

func TestActiveStagesDependOnItems(t *testing.T) {
	assert.Equal(t, []string{"briefing", "moodboard", "ui", "delivery"}, ActiveStages(itemsWith(false, false)))
	assert.Equal(t, []string{"briefing", "moodboard", "symbols", "ui", "delivery"}, ActiveStages(itemsWith(true, false)))
	assert.Equal(t, []string{"moodboard", "symbols", "ui", "animation", "delivery"}, PayableStages(itemsWith(true, true)))
}

func TestStandardScheduleWithAllStages(t *testing.T) {
	ms, err := Calculate(Input{GrandTotal: 10000, Model: Standard, Items: itemsWith(true, true), UpfrontPercent: 15})
	require.NoError(t, err)
	require.Len(t, ms, 6)

	assert.Equal(t, UpfrontMilestoneID, ms[0].ID)
	assert.Equal(t, "Upfront Payment", ms[0].Name)
	assert.Equal(t, int64(1500), ms[0].Amount)
	assert.Equal(t, 15, ms[0].Percent)

	wantStages := []string{"moodboard", "symbols", "ui", "animation", "delivery"}
	for i, key := range wantStages {
		m := ms[i+1]
		assert.Equal(t, key, m.StageKey)
		assert.Equal(t, int64(1700), m.Amount)
		assert.Equal(t, 17, m.Percent)
	}
	for i, m := range ms {
		assert.Equal(t, i+1, m.Order)
	}
	assert.Equal(t, int64(10000), Total(ms))
}

func TestFullPreIsSingleMilestone(t *testing.T) {
	ms, err := Calculate(Input{GrandTotal: 4321, Model: FullPre, Items: itemsWith(true, true), UpfrontPercent: 15})
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, 1, ms[0].Order)
	assert.Equal(t, 100, ms[0].Percent)
	assert.Equal(t, int64(4321), ms[0].Amount)
}

func TestZeroSplitsAcrossPayableStages(t *testing.T) {
	ms, err := Calculate(Input{GrandTotal: 10000, Model: Zero, Items: itemsWith(false, false)})
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, []int64{3333, 3333, 3334}, []int64{ms[0].Amount, ms[1].Amount, ms[2].Amount})
	for _, m := range ms {
		assert.Equal(t, 33, m.Percent)
	}
	assert.Equal(t, int64(10000), Total(ms))
}

func TestAmountsAlwaysReconcile(t *testing.T) {
	totals := []int64{0, 1, 7, 99, 100, 101, 9999, 10001, 123457, 1000003}
	models := []PaymentModel{Standard, FullPre, Zero}
	for _, total := range totals {
		for _, model := range models {
			for _, sym := range []bool{false, true} {
				for _, anim := range []bool{false, true} {
					ms, err := Calculate(Input{GrandTotal: total, Model: model, Items: itemsWith(sym, anim), UpfrontPercent: 15})
					require.NoError(t, err)
					assert.Equal(t, total, Total(ms), "model=%s total=%d symbols=%v animation=%v", model, total, sym, anim)
					for _, m := range ms {
						assert.GreaterOrEqual(t, m.Amount, int64(0))
					}
				}
			}
		}
	}
}

func TestNegativeTotalRejected(t *testing.T) {
	_, err := Calculate(Input{GrandTotal: -1, Model: Standard})
	assert.Error(t, err)
}

func TestStageNamesResolved(t *testing.T) {
	names := map[string]string{"moodboard": "Moodboard", "ui": "UI", "delivery": "Delivery"}
	ms, err := Calculate(Input{
		GrandTotal:     600,
		Model:          Zero,
		Items:          itemsWith(false, false),
		StageName:      func(key string) string { return names[key] },
		UpfrontPercent: 15,
	})
	require.NoError(t, err)
	assert.Equal(t, "Moodboard", ms[0].Name)
	assert.Equal(t, "UI", ms[1].Name)
	assert.Equal(t, "Delivery", ms[2].Name)
}
