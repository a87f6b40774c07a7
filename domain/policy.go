package domain

// Principal is the authenticated identity acting on a request.
type Principal struct {
	ID string
}

// TaskPolicy decides whether a principal may act on a task. It only ever
// answers with a boolean; callers turn a false answer into a forbidden
// outcome for tasks that exist and keep not-found distinct for ids that
// never resolved.
type TaskPolicy struct{}

// CanView reports whether p may read t.
func (TaskPolicy) CanView(p Principal, t Task) bool {
	return p.ID != "" && p.ID == t.OwnerID
}

// CanMutate reports whether p may update, delete or restore t.
// Update, delete and restore share one rule.
func (TaskPolicy) CanMutate(p Principal, t Task) bool {
	return p.ID != "" && p.ID == t.OwnerID
}

// CanCreate reports whether p may create tasks.
func (TaskPolicy) CanCreate(p Principal) bool { return p.ID != "" }

// CanList reports whether p may list its own tasks.
func (TaskPolicy) CanList(p Principal) bool { return p.ID != "" }
