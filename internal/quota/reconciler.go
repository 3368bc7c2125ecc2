// Package quota turns server upload counters into the advisory state shown
// in banners. It holds no timers and never retries; every function returns
// the next state from the previous one and an input.
package quota

import (
	"errors"
	"fmt"

	"receiptflow/internal/api"
	"receiptflow/internal/core"
)

const defaultSignupPrompt = "Sign up for a free account to keep uploading receipts."

type Reconciler struct {
	defaultPool int
}

// NewReconciler returns a reconciler that assumes defaultPool uploads for a
// session the server does not know yet.
func NewReconciler(defaultPool int) Reconciler {
	return Reconciler{defaultPool: defaultPool}
}

// Initial is the state before any server response.
func (r Reconciler) Initial() core.QuotaState {
	return core.QuotaState{RemainingUploads: r.defaultPool, Inferred: true}
}

// FromList trusts the server counters verbatim.
func (r Reconciler) FromList(list *api.AnonymousList) core.QuotaState {
	return core.QuotaState{
		RemainingUploads: list.RemainingUploads,
		TotalCount:       list.TotalCount,
		LimitReached:     list.RemainingUploads <= 0,
	}
}

// FromListError handles a failed listing. A 401 means the session has no
// history yet, so the full default pool is inferred. Other errors keep prev.
func (r Reconciler) FromListError(prev core.QuotaState, err error) core.QuotaState {
	if core.IsUnauthorized(err) {
		return core.QuotaState{RemainingUploads: r.defaultPool, TotalCount: 0, Inferred: true}
	}
	return prev
}

// FromConfirm applies the counters of a successful batch.
func (r Reconciler) FromConfirm(prev core.QuotaState, res *core.BatchResult) core.QuotaState {
	next := prev
	next.TotalCount += res.TotalUploaded
	if res.RemainingUploads != nil {
		next.RemainingUploads = *res.RemainingUploads
		next.Inferred = false
		next.LimitReached = *res.RemainingUploads <= 0
	}
	if res.SignupPrompt != "" {
		next.SignupPrompt = res.SignupPrompt
	}
	return next
}

// FromConfirmError reports whether err exhausted the quota and, if so, the
// state routed to the signup prompt. Other errors leave prev untouched.
func (r Reconciler) FromConfirmError(prev core.QuotaState, err error) (core.QuotaState, bool) {
	if !core.IsQuotaExceeded(err) {
		return prev, false
	}
	next := prev
	next.RemainingUploads = 0
	next.LimitReached = true
	next.Inferred = false
	next.SignupPrompt = defaultSignupPrompt
	var qe *core.QuotaExceededError
	if errors.As(err, &qe) && qe.SignupPrompt != "" {
		next.SignupPrompt = qe.SignupPrompt
	}
	return next, true
}

// Banner renders the quota line. Authenticated users have no anonymous pool,
// so nothing is shown for them.
func Banner(state core.QuotaState, authenticated bool) string {
	if authenticated {
		return ""
	}
	if state.LimitReached || state.RemainingUploads <= 0 {
		prompt := state.SignupPrompt
		if prompt == "" {
			prompt = defaultSignupPrompt
		}
		return "You've used all your free uploads. " + prompt
	}
	noun := "uploads"
	if state.RemainingUploads == 1 {
		noun = "upload"
	}
	return fmt.Sprintf("%d free %s remaining. Sign up for unlimited receipts.", state.RemainingUploads, noun)
}

// UsageBanner renders the monthly usage of an authenticated tier. A limit
// of zero or less means unlimited.
func UsageBanner(u core.Usage) string {
	tier := u.Tier
	if tier == "" {
		tier = "free"
	}
	if u.Limit <= 0 {
		return fmt.Sprintf("%d receipts this month (%s plan, unlimited)", u.Used, tier)
	}
	left := u.Limit - u.Used
	if left < 0 {
		left = 0
	}
	return fmt.Sprintf("%d of %d receipts used this month (%s plan, %d left)", u.Used, u.Limit, tier, left)
}
