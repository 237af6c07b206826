package engine

import (
	"bytes"
	"context"
	"testing"
)

func TestFakeHandleSyncMessageDeterministic(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	msg := []byte("hello")
	r1, err := f.HandleSyncMessage(ctx, "doc1", msg, false)
	if err != nil {
		t.Fatalf("HandleSyncMessage: %v", err)
	}
	r2, err := f.HandleSyncMessage(ctx, "doc1", msg, false)
	if err != nil {
		t.Fatalf("HandleSyncMessage: %v", err)
	}
	if !bytes.Equal(r1, r2) {
		t.Fatalf("responses differ for identical state+input: %v vs %v", r1, r2)
	}

	// Applying a body update changes the doc's version, so a subsequent
	// response to the same message must differ.
	if _, err := f.ApplyBodyUpdate(ctx, "doc1", Update("u")); err != nil {
		t.Fatalf("ApplyBodyUpdate: %v", err)
	}
	r3, err := f.HandleSyncMessage(ctx, "doc1", msg, false)
	if err != nil {
		t.Fatalf("HandleSyncMessage: %v", err)
	}
	if bytes.Equal(r1, r3) {
		t.Fatalf("expected response to change after state advanced")
	}
}

func TestFakeGetMissingUpdatesEmptyWhenCaughtUp(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	sv, err := f.GetSyncState(ctx)
	if err != nil {
		t.Fatalf("GetSyncState: %v", err)
	}
	upd, err := f.GetMissingUpdates(ctx, sv)
	if err != nil {
		t.Fatalf("GetMissingUpdates: %v", err)
	}
	if upd != nil {
		t.Fatalf("expected no missing updates when caller's SV matches current, got %v", upd)
	}
}
