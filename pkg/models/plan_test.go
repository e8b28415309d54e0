package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_Validate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr string
	}{
		{
			name: "valid time plan",
			plan: Plan{ID: "p1", Kind: PlanTime, DurationMinutes: 60},
		},
		{
			name: "valid data plan",
			plan: Plan{ID: "p2", Kind: PlanData, DataLimitMB: 500},
		},
		{
			name: "valid unlimited plan",
			plan: Plan{ID: "p3", Kind: PlanUnlimited},
		},
		{
			name:    "time plan without duration",
			plan:    Plan{ID: "p4", Kind: PlanTime},
			wantErr: "time plan without a positive duration",
		},
		{
			name:    "time plan with quota",
			plan:    Plan{ID: "p5", Kind: PlanTime, DurationMinutes: 60, DataLimitMB: 10},
			wantErr: "time plan carries a data quota",
		},
		{
			name:    "data plan without quota",
			plan:    Plan{ID: "p6", Kind: PlanData},
			wantErr: "data plan without a positive quota",
		},
		{
			name:    "unlimited plan with limit",
			plan:    Plan{ID: "p7", Kind: PlanUnlimited, DurationMinutes: 5},
			wantErr: "unlimited plan carries a limit",
		},
		{
			name:    "unknown kind",
			plan:    Plan{ID: "p8", Kind: "weekly"},
			wantErr: "unknown kind",
		},
		{
			name:    "missing id",
			plan:    Plan{Kind: PlanUnlimited},
			wantErr: "missing id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var integrity *PlanIntegrityError
			assert.ErrorAs(t, err, &integrity)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPlan_ExpiryFrom(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	timePlan := Plan{Kind: PlanTime, DurationMinutes: 90}
	assert.Equal(t, start.Add(90*time.Minute), timePlan.ExpiryFrom(start))

	dataPlan := Plan{Kind: PlanData, DataLimitMB: 100}
	assert.Equal(t, start.Add(30*24*time.Hour), dataPlan.ExpiryFrom(start))

	unlimited := Plan{Kind: PlanUnlimited}
	assert.Equal(t, start.Add(365*24*time.Hour), unlimited.ExpiryFrom(start))
}

func TestPlan_RouterAttributes(t *testing.T) {
	p := Plan{Name: " Daily Bundle ", Kind: PlanTime, DurationMinutes: 1440, UploadKbps: 512, DownloadKbps: 2048}

	assert.Equal(t, "plan_daily_bundle", p.ProfileName())
	assert.Equal(t, "512k/2048k", p.RateLimit())
	assert.Equal(t, float64(1440), p.Capacity())
	assert.Equal(t, "minutes", p.Unit())

	uncapped := Plan{Kind: PlanUnlimited}
	assert.Empty(t, uncapped.RateLimit())
	assert.Zero(t, uncapped.Capacity())
}
