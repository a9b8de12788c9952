package tenant

// Plan identifies the pricing tier.
type Plan string

const (
	PlanTrial   Plan = "trial"
	PlanStarter Plan = "starter"
	PlanGrowth  Plan = "growth"
	PlanScale   Plan = "scale"
)

// PlanConfig defines usage ceilings and pricing for a tier. Read-only from
// the orchestrator's perspective.
type PlanConfig struct {
	Plan          Plan
	MaxUsers      int // 0 = unlimited
	MaxClients    int
	MaxLeads      int
	MaxProjects   int
	MonthlyCents  int64
	YearlyCents   int64
	StripePriceID string // monthly recurring price on the gateway
}

// Plans is the hardcoded plan catalogue.
var Plans = map[Plan]PlanConfig{
	PlanTrial: {
		Plan:        PlanTrial,
		MaxUsers:    2,
		MaxClients:  25,
		MaxLeads:    50,
		MaxProjects: 5,
	},
	PlanStarter: {
		Plan:          PlanStarter,
		MaxUsers:      5,
		MaxClients:    250,
		MaxLeads:      500,
		MaxProjects:   50,
		MonthlyCents:  2900,
		YearlyCents:   29000,
		StripePriceID: "price_starter_monthly",
	},
	PlanGrowth: {
		Plan:          PlanGrowth,
		MaxUsers:      20,
		MaxClients:    2500,
		MaxLeads:      5000,
		MaxProjects:   500,
		MonthlyCents:  7900,
		YearlyCents:   79000,
		StripePriceID: "price_growth_monthly",
	},
	PlanScale: {
		Plan:          PlanScale,
		MonthlyCents:  19900,
		YearlyCents:   199000,
		StripePriceID: "price_scale_monthly",
	},
}

// ValidPlan returns true if the plan name is recognised.
func ValidPlan(p Plan) bool {
	_, ok := Plans[p]
	return ok
}
