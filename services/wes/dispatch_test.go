package wes

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRevocationTombstoneLifecycle(t *testing.T) {
	d := &NATSDispatcher{}
	runID := uuid.New()

	if d.consumeRevocation(runID) {
		t.Error("tombstone honored before any revocation")
	}

	d.rememberRevocation(runID)
	if !d.consumeRevocation(runID) {
		t.Fatal("live tombstone not honored")
	}
	if d.consumeRevocation(runID) {
		t.Error("tombstone honored twice")
	}
}

func TestRevocationTombstoneExpiry(t *testing.T) {
	current := time.Now()
	d := &NATSDispatcher{now: func() time.Time { return current }}

	stale := uuid.New()
	d.rememberRevocation(stale)

	current = current.Add(revokeTombstoneTTL + time.Minute)
	if d.consumeRevocation(stale) {
		t.Error("expired tombstone still honored")
	}

	// A fresh revocation prunes every aged-out entry.
	d.rememberRevocation(stale)
	other := uuid.New()
	d.rememberRevocation(other)
	current = current.Add(revokeTombstoneTTL + time.Minute)
	fresh := uuid.New()
	d.rememberRevocation(fresh)

	d.mu.Lock()
	_, staleKept := d.revoked[stale]
	_, otherKept := d.revoked[other]
	_, freshKept := d.revoked[fresh]
	d.mu.Unlock()
	if staleKept || otherKept {
		t.Errorf("pruning kept expired tombstones: stale=%v other=%v", staleKept, otherKept)
	}
	if !freshKept {
		t.Error("pruning dropped the live tombstone")
	}
}
