package domain

import "testing"

func TestTaskPolicyOwnership(t *testing.T) {
	policy := TaskPolicy{}
	mine := Task{ID: "t1", OwnerID: "alice"}
	theirs := Task{ID: "t2", OwnerID: "bob"}

	alice := Principal{ID: "alice"}
	if !policy.CanView(alice, mine) || !policy.CanMutate(alice, mine) {
		t.Fatalf("owner must be allowed to view and mutate")
	}
	if policy.CanView(alice, theirs) || policy.CanMutate(alice, theirs) {
		t.Fatalf("foreign task must be denied")
	}

	// The rule is symmetric: bob is denied on alice's task the same way.
	bob := Principal{ID: "bob"}
	if policy.CanView(bob, mine) || policy.CanMutate(bob, mine) {
		t.Fatalf("foreign task must be denied for the other direction too")
	}
}

func TestTaskPolicyAnonymous(t *testing.T) {
	policy := TaskPolicy{}
	anon := Principal{}
	task := Task{ID: "t1", OwnerID: ""}

	// An empty principal never matches, not even a task with an empty owner.
	if policy.CanView(anon, task) || policy.CanMutate(anon, task) {
		t.Fatalf("anonymous principal must be denied")
	}
	if policy.CanCreate(anon) || policy.CanList(anon) {
		t.Fatalf("anonymous principal must not create or list")
	}
	if !policy.CanCreate(Principal{ID: "alice"}) || !policy.CanList(Principal{ID: "alice"}) {
		t.Fatalf("authenticated principal must create and list")
	}
}
