//go:build integration

package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/flow7/planscheduler/internal/store"
)

func TestDeviceStore_RegisterAndListForUser(t *testing.T) {
	db := testDB(t)
	devices := store.NewDeviceStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	token := "token-" + uuid.New().String()

	if err := devices.Register(context.Background(), uid, token, ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	list, err := devices.ListForUser(context.Background(), uid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Token != token {
		t.Fatalf("expected one device with token %s, got %+v", token, list)
	}
	if list[0].Provider != "fcm" {
		t.Fatalf("expected default provider fcm, got %q", list[0].Provider)
	}
}

func TestDeviceStore_RegisterIsIdempotent(t *testing.T) {
	db := testDB(t)
	devices := store.NewDeviceStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	token := "token-" + uuid.New().String()

	if err := devices.Register(context.Background(), uid, token, "fcm"); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if err := devices.Register(context.Background(), uid, token, "fcm"); err != nil {
		t.Fatalf("register 2: %v", err)
	}

	list, err := devices.ListForUser(context.Background(), uid)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected re-registration to not duplicate, got %+v", list)
	}
}

func TestDeviceStore_RegisterReassignsTokenOwner(t *testing.T) {
	db := testDB(t)
	devices := store.NewDeviceStore(db.Pool)

	uidA := "uid-" + uuid.New().String()[:8]
	uidB := "uid-" + uuid.New().String()[:8]
	token := "token-" + uuid.New().String()

	if err := devices.Register(context.Background(), uidA, token, "fcm"); err != nil {
		t.Fatalf("register uidA: %v", err)
	}
	if err := devices.Register(context.Background(), uidB, token, "fcm"); err != nil {
		t.Fatalf("register uidB: %v", err)
	}

	listA, err := devices.ListForUser(context.Background(), uidA)
	if err != nil {
		t.Fatalf("list uidA: %v", err)
	}
	if len(listA) != 0 {
		t.Fatalf("expected token reassigned away from uidA, got %+v", listA)
	}

	listB, err := devices.ListForUser(context.Background(), uidB)
	if err != nil {
		t.Fatalf("list uidB: %v", err)
	}
	if len(listB) != 1 || listB[0].Token != token {
		t.Fatalf("expected token now owned by uidB, got %+v", listB)
	}
}

func TestDeviceStore_UnregisterUnknownReturnsNotFound(t *testing.T) {
	db := testDB(t)
	devices := store.NewDeviceStore(db.Pool)

	uid := "uid-" + uuid.New().String()[:8]
	err := devices.Unregister(context.Background(), uid, "does-not-exist")
	if !errors.Is(err, store.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestDeviceStore_UnregisterRequiresOwnership(t *testing.T) {
	db := testDB(t)
	devices := store.NewDeviceStore(db.Pool)

	owner := "uid-" + uuid.New().String()[:8]
	other := "uid-" + uuid.New().String()[:8]
	token := "token-" + uuid.New().String()

	if err := devices.Register(context.Background(), owner, token, "fcm"); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := devices.Unregister(context.Background(), other, token)
	if !errors.Is(err, store.ErrDeviceNotFound) {
		t.Fatalf("expected unregister by non-owner to fail as not found, got %v", err)
	}

	list, err := devices.ListForUser(context.Background(), owner)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatal("expected token to remain registered to owner")
	}
}
