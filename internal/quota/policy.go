package quota

import (
	"time"

	"github.com/MGallo-Code/fitroom/internal/store"
)

// Unlimited is the quota sentinel meaning no cap.
const Unlimited = -1

// Plan is the slice of a user's account that decides their quota.
// The zero Plan is an anonymous or free-tier caller.
type Plan struct {
	Role         string
	IsPremium    bool
	PremiumUntil *time.Time // nil with IsPremium means premium does not expire
}

// PlanFor extracts the plan fields from a users row.
func PlanFor(u *store.User) Plan {
	return Plan{Role: u.Role, IsPremium: u.IsPremium, PremiumUntil: u.PremiumUntil}
}

// Limits are the configured tier quotas.
type Limits struct {
	Free    int // per week
	Premium int // per month
}

// DefaultLimits apply when config leaves the quotas unset.
var DefaultLimits = Limits{Free: 3, Premium: 50}

// Policy is the quota and window length that apply to one caller.
type Policy struct {
	Quota  int
	Window WindowKind
}

// Unlimited reports whether the policy has no cap.
func (p Policy) Unlimited() bool { return p.Quota < 0 }

// Resolve maps a plan to its policy on today. Pure and total.
//
//	admin                                      -> unlimited, month
//	premium and premium_until after today      -> Premium, month
//	everyone else                              -> Free, week
//
// Expiry is checked against the date passed in, so a premium plan that lapsed
// mid-window drops to the free policy on the next call.
func (l Limits) Resolve(plan Plan, today time.Time) Policy {
	if plan.Role == store.RoleAdmin {
		return Policy{Quota: Unlimited, Window: WindowMonth}
	}
	if plan.IsPremium && (plan.PremiumUntil == nil || plan.PremiumUntil.After(today)) {
		return Policy{Quota: l.Premium, Window: WindowMonth}
	}
	return Policy{Quota: l.Free, Window: WindowWeek}
}
