package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFor(t *testing.T) {
	tests := []struct {
		pct  float64
		want AlertLevel
	}{
		{0, AlertNone},
		{74.99, AlertNone},
		{75, AlertWarning},
		{89.9, AlertWarning},
		{90, AlertCritical},
		{94.99, AlertCritical},
		{95, AlertFinal},
		{99.9, AlertFinal},
		{100, AlertFinal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.pct), "pct=%v", tt.pct)
	}
}

func TestLevelFor_Monotonic(t *testing.T) {
	rank := map[AlertLevel]int{AlertNone: 0, AlertWarning: 1, AlertCritical: 2, AlertFinal: 3}

	prev := AlertNone
	for pct := 0.0; pct <= 100; pct += 0.5 {
		level := LevelFor(pct)
		assert.GreaterOrEqual(t, rank[level], rank[prev], "level dropped at %v", pct)
		prev = level
	}
}

func TestAlertLevel_Message(t *testing.T) {
	assert.Empty(t, AlertNone.Message())
	assert.Contains(t, AlertWarning.Message(), "75%")
	assert.Contains(t, AlertCritical.Message(), "90%")
	assert.Contains(t, AlertFinal.Message(), "Renew")
}
