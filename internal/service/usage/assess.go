package usage

import (
	"math"
	"sort"
	"time"

	"github.com/hotspot-billing/hotspot-billing/pkg/models"
)

// MaxRecommendations caps the renewal suggestions attached to an alert
const MaxRecommendations = 6

// Assess evaluates a session's consumption against its plan at now.
// Returns a *models.PlanIntegrityError if the plan's limits contradict its kind.
func Assess(session *models.Session, plan *models.Plan, now time.Time) (models.UsageAssessment, error) {
	a := models.UsageAssessment{
		SessionID:  session.ID,
		PlanID:     plan.ID,
		PlanName:   plan.Name,
		PlanKind:   plan.Kind,
		PlanPrice:  plan.Price,
		Unit:       plan.Unit(),
		Level:      models.AlertNone,
		AssessedAt: now,
	}

	if err := plan.Validate(); err != nil {
		return a, err
	}

	switch plan.Kind {
	case models.PlanTime:
		a.Used = session.ElapsedMinutes(now)
	case models.PlanData:
		a.Used = session.DataUsedMB()
	case models.PlanUnlimited:
		a.Unlimited = true
		a.Used = session.DataUsedMB()
		return a, nil
	}

	a.Total = plan.Capacity()
	a.Percentage = clamp(a.Used/a.Total*100, 0, 100)
	a.Remaining = math.Max(a.Total-a.Used, 0)
	a.Level = models.LevelFor(a.Percentage)
	a.Terminate = a.Percentage >= models.TerminateThreshold
	return a, nil
}

// rankRecommendations orders candidates for a renewal offer: plans at least as
// large as current first, then smaller ones, each group by ascending price.
// The current plan and plans of other kinds are excluded.
func rankRecommendations(current *models.Plan, candidates []*models.Plan) []models.RecommendedPlan {
	var larger, smaller []models.RecommendedPlan
	for _, p := range candidates {
		if p.ID == current.ID || p.Kind != current.Kind || !p.Active {
			continue
		}
		if p.Capacity() >= current.Capacity() {
			larger = append(larger, models.RecommendedPlan{Plan: *p, Upgrade: true})
		} else {
			smaller = append(smaller, models.RecommendedPlan{Plan: *p})
		}
	}

	byPrice := func(recs []models.RecommendedPlan) {
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].Plan.Price < recs[j].Plan.Price
		})
	}
	byPrice(larger)
	byPrice(smaller)

	out := append(larger, smaller...)
	if len(out) > MaxRecommendations {
		out = out[:MaxRecommendations]
	}
	return out
}

func terminationCause(kind models.PlanKind) models.EndCause {
	if kind == models.PlanData {
		return models.CauseDataExhausted
	}
	return models.CauseTimeExhausted
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(math.Max(v, lo), hi)
}
