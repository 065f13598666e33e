package transfer

import (
	"testing"

	"github.com/augmint/transfer-history/entities"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestRefreshPolicy_accountChanged(t *testing.T) {
	policy := NewRefreshPolicy(10)

	actions := policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: alice})
	expected := []Action{{Kind: ActionRefetchHistory, Account: "0xa11ce00000000000000000000000000000000001"}}
	if diff := cmp.Diff(expected, actions); diff != "" {
		t.Errorf("unexpected actions (-want +got):\n%s", diff)
	}
	assert.True(t, policy.IsWatched("0xA11CE00000000000000000000000000000000001"))

	// already watched
	assert.Empty(t, policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: alice}))
}

func TestRefreshPolicy_transferObserved(t *testing.T) {
	policy := NewRefreshPolicy(10)
	policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: alice})

	raw := entities.RawTransfer{TxHash: "0x01", LogIndex: 3, From: bob, To: alice, Amount: 10}
	actions := policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: raw})

	account := "0xa11ce00000000000000000000000000000000001"
	expected := []Action{
		{Kind: ActionApplyTransfer, Account: account, Transfer: raw},
		{Kind: ActionRefetchBalance, Account: account},
	}
	if diff := cmp.Diff(expected, actions); diff != "" {
		t.Errorf("unexpected actions (-want +got):\n%s", diff)
	}

	// the same event is only processed once
	assert.Empty(t, policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: raw}))
}

func TestRefreshPolicy_transferObserved_givenUnwatchedAccounts_thenNoActions(t *testing.T) {
	policy := NewRefreshPolicy(10)

	raw := entities.RawTransfer{TxHash: "0x01", From: bob, To: alice, Amount: 10}
	assert.Empty(t, policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: raw}))
}

func TestRefreshPolicy_transferObserved_bothSidesWatched(t *testing.T) {
	policy := NewRefreshPolicy(10)
	policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: alice})
	policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: bob})

	actions := policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: entities.RawTransfer{TxHash: "0x01", From: bob, To: alice}})
	assert.Len(t, actions, 4)

	selfTransfer := entities.RawTransfer{TxHash: "0x02", From: alice, To: alice}
	actions = policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: selfTransfer})
	assert.Len(t, actions, 2)
}

func TestRefreshPolicy_subscriptionReset(t *testing.T) {
	policy := NewRefreshPolicy(10)
	policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: alice})
	raw := entities.RawTransfer{TxHash: "0x01", From: bob, To: alice}
	assert.NotEmpty(t, policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: raw}))

	actions := policy.Handle(Trigger{Kind: TriggerSubscriptionReset})
	assert.Equal(t, []Action{{Kind: ActionInvalidateAll}}, actions)

	// watched accounts survive, processed events are forgotten
	assert.True(t, policy.IsWatched(alice))
	assert.NotEmpty(t, policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: raw}))
}

func TestRefreshPolicy_processedEventsAreBounded(t *testing.T) {
	policy := NewRefreshPolicy(2)
	policy.Handle(Trigger{Kind: TriggerAccountChanged, Account: alice})

	first := entities.RawTransfer{TxHash: "0x01", From: bob, To: alice}
	second := entities.RawTransfer{TxHash: "0x02", From: bob, To: alice}
	third := entities.RawTransfer{TxHash: "0x03", From: bob, To: alice}
	for _, raw := range []entities.RawTransfer{first, second, third} {
		assert.NotEmpty(t, policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: raw}))
	}

	// the oldest event was dropped from the processed set
	assert.NotEmpty(t, policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: first}))
	assert.Empty(t, policy.Handle(Trigger{Kind: TriggerTransferObserved, Transfer: third}))
}

func TestActionKind_String(t *testing.T) {
	assert.Equal(t, "apply-transfer", ActionApplyTransfer.String())
	assert.Equal(t, "refetch-balance", ActionRefetchBalance.String())
	assert.Equal(t, "refetch-history", ActionRefetchHistory.String())
	assert.Equal(t, "invalidate-all", ActionInvalidateAll.String())
}
