package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgraph/energy_graph_server/pkg/series"
	"github.com/esgraph/energy_graph_server/pkg/statistics"
	"github.com/esgraph/energy_graph_server/pkg/timespan"
)

const sampleCard = `
title: Energy overview
timespan:
  mode: relative
  period: day
aggregation:
  manual: hour
  compute_current_hour: true
series:
  - statistic_id: sensor.grid_consumption
    name: Grid
    stat_type: change
    stack: grid
  - name: Net
    chart_type: line
    calculation:
      terms:
        - statistic_id: sensor.grid_consumption
        - statistic_id: sensor.solar_production
          operation: subtract
chart:
  show_stack_sums: true
  y_axes:
    - position: left
      fit_to_data: true
`

func writeCard(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overview.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCardFile(t *testing.T) {
	card, err := loadCardFile(writeCard(t, sampleCard))
	require.NoError(t, err)

	// The id falls back to the file name.
	assert.Equal(t, "overview", card.ID)
	assert.Equal(t, "Energy overview", card.Title)
	assert.Equal(t, timespan.ModeRelative, card.Timespan.Mode)
	assert.Equal(t, timespan.PeriodDay, card.Timespan.Period)
	assert.True(t, card.Aggregation.ComputeCurrentHour)

	require.Len(t, card.Series, 2)
	assert.Equal(t, "sensor.grid_consumption", card.Series[0].StatisticID)
	assert.Equal(t, statistics.StatTypeChange, card.Series[0].StatType)
	require.NotNil(t, card.Series[1].Calculation)
	require.Len(t, card.Series[1].Calculation.Terms, 2)

	assert.True(t, card.Chart.ShowStackSums)
	require.Len(t, card.Chart.YAxes, 1)
	assert.True(t, card.Chart.YAxes[0].FitToData)
}

func TestLoadCardFileRejectsEmptySeries(t *testing.T) {
	_, err := loadCardFile(writeCard(t, "title: nothing\ntimespan:\n  mode: relative\n  period: day\n"))
	assert.Error(t, err)
}

func TestValidateCardRejectsUnknownStatType(t *testing.T) {
	card := &CardConfig{ID: "x", Series: []series.Config{{StatisticID: "sensor.a", StatType: "bogus"}}}
	assert.Error(t, ValidateCard(card))
}

func TestValidateCardRejectsUnknownAggregation(t *testing.T) {
	card := &CardConfig{ID: "x", Series: []series.Config{{StatisticID: "sensor.a"}}}
	card.Aggregation.Manual = "fortnight"
	assert.Error(t, ValidateCard(card))
}

func TestNewCardIDUnique(t *testing.T) {
	assert.NotEqual(t, NewCardID(), NewCardID())
}
