package pake

import "testing"

func TestMatchingRoomCodesDeriveSameSessionKey(t *testing.T) {
	a, err := New("K7N2P4", RoleA)
	if err != nil {
		t.Fatalf("new A: %v", err)
	}
	b, err := New("K7N2P4", RoleB)
	if err != nil {
		t.Fatalf("new B: %v", err)
	}

	if err := a.Update(b.Message()); err != nil {
		t.Fatalf("a update: %v", err)
	}
	if err := b.Update(a.Message()); err != nil {
		t.Fatalf("b update: %v", err)
	}

	keyA, err := a.SessionKey()
	if err != nil {
		t.Fatalf("a session key: %v", err)
	}
	keyB, err := b.SessionKey()
	if err != nil {
		t.Fatalf("b session key: %v", err)
	}

	if keyA != keyB {
		t.Fatal("matching room codes produced different session keys")
	}

	tagA := VerifyTag(keyA, "a-to-b")
	tagB := VerifyTag(keyB, "a-to-b")
	if tagA != tagB {
		t.Fatal("verify tags diverge despite matching session keys")
	}
}

func TestMismatchedRoomCodesDeriveDifferentSessionKeys(t *testing.T) {
	a, err := New("K7N2P4", RoleA)
	if err != nil {
		t.Fatalf("new A: %v", err)
	}
	b, err := New("WRONGX", RoleB)
	if err != nil {
		t.Fatalf("new B: %v", err)
	}

	_ = a.Update(b.Message())
	_ = b.Update(a.Message())

	keyA, errA := a.SessionKey()
	keyB, errB := b.SessionKey()

	if errA == nil && errB == nil && keyA == keyB {
		t.Fatal("mismatched room codes must not agree on a session key")
	}
}
