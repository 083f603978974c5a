package tests

import (
	"errors"
	"testing"

	"trapper_platform/trapper/schema"
)

func TestCollectionRequestRevoke(t *testing.T) {
	env := setupTestEnv(t)
	owner := env.newUser(t, "owner")
	requester := env.newUser(t, "requester")

	collectionId, err := owner.createCollection("C1", schema.OnDemand)
	if err != nil {
		t.Fatal(err)
	}
	projectId, err := requester.createResearchProject("Lynx", "LNX")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := requester.collectionInfo(collectionId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden before approval, got %v", err)
	}

	requestId, err := requester.requestCollections(projectId, collectionId)
	if err != nil {
		t.Fatal(err)
	}

	ownerInbox, err := owner.inbox()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, msg := range ownerInbox {
		if msg.MessageType == schema.MessageCollectionRequest {
			found = true
		}
	}
	if !found {
		t.Fatal("owner should receive the request")
	}

	if err := requester.resolveRequest(requestId, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("requester should not resolve own request, got %v", err)
	}
	if err := owner.resolveRequest(requestId, true); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.collectionInfo(collectionId); err != nil {
		t.Fatalf("collection should be visible after approval: %v", err)
	}

	if err := owner.resolveRequest(requestId, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("resolved request should not be resolved again, got %v", err)
	}

	if err := owner.revokeRequest(requestId); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.collectionInfo(collectionId); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden after revoke, got %v", err)
	}
	if err := owner.revokeRequest(requestId); !errors.Is(err, ErrConflict) {
		t.Fatalf("revoked request should not be revoked again, got %v", err)
	}

	inbox, err := requester.inbox()
	if err != nil {
		t.Fatal(err)
	}
	found = false
	for _, msg := range inbox {
		if msg.Subject == "Revoked access to collections" {
			found = true
		}
	}
	if !found {
		t.Fatal("requester should be told about the revocation")
	}
}

func TestCollectionRequestRules(t *testing.T) {
	env := setupTestEnv(t)
	owner := env.newUser(t, "owner")
	requester := env.newUser(t, "requester")

	private, err := owner.createCollection("C1", schema.Private)
	if err != nil {
		t.Fatal(err)
	}
	onDemand, err := owner.createCollection("C2", schema.OnDemand)
	if err != nil {
		t.Fatal(err)
	}
	projectId, err := requester.createResearchProject("Lynx", "LNX")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := requester.requestCollections(projectId, private); !errors.Is(err, ErrInvalid) {
		t.Fatalf("private collections cannot be requested, got %v", err)
	}

	requestId, err := requester.requestCollections(projectId, onDemand)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := requester.requestCollections(projectId, onDemand); !errors.Is(err, ErrConflict) {
		t.Fatalf("repeated request should be throttled, got %v", err)
	}

	if err := owner.resolveRequest(requestId, false); err != nil {
		t.Fatal(err)
	}
	if _, err := requester.collectionInfo(onDemand); !errors.Is(err, ErrForbidden) {
		t.Fatalf("rejected request should not grant access, got %v", err)
	}
	if err := owner.revokeRequest(requestId); !errors.Is(err, ErrConflict) {
		t.Fatalf("only approved requests can be revoked, got %v", err)
	}

	ownProject, err := owner.createResearchProject("Owls", "OWL")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := owner.requestCollections(ownProject, onDemand); !errors.Is(err, ErrInvalid) {
		t.Fatalf("owners cannot request their own collections, got %v", err)
	}
}
