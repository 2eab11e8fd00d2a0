package model

import "testing"

func TestDeltaReasonIsValid(t *testing.T) {
	for _, r := range []DeltaReason{ReasonSale, ReasonVoid, ReasonAdjustment, ReasonTransferIn, ReasonTransferOut, ReasonReceive} {
		if !r.IsValid() {
			t.Errorf("reason %q should be valid", r)
		}
	}
	for _, r := range []DeltaReason{"", "restock", "SALE"} {
		if DeltaReason(r).IsValid() {
			t.Errorf("reason %q should be invalid", r)
		}
	}
}

func TestRoleIsValid(t *testing.T) {
	for _, r := range []Role{RolePrimary, RoleSecondary, RoleCandidate, RoleOffline} {
		if !r.IsValid() {
			t.Errorf("role %q should be valid", r)
		}
	}
	if Role("leader").IsValid() {
		t.Error("role \"leader\" should be invalid")
	}
}

func TestOutboxStateIsValid(t *testing.T) {
	for _, s := range []OutboxState{OutboxPending, OutboxSynced, OutboxDead} {
		if !s.IsValid() {
			t.Errorf("state %q should be valid", s)
		}
	}
	if OutboxState("failed").IsValid() {
		t.Error("state \"failed\" should be invalid")
	}
}
