package device

import "testing"

func TestGenerateSigningKeypair(t *testing.T) {
	kp1, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	kp2, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	if kp1.PublicKeyHex() == kp2.PublicKeyHex() {
		t.Error("two generated public keys are identical")
	}
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}

	msg := []byte("tallow handshake transcript")
	sig := kp.Sign(msg)

	if !Verify(kp.Public, msg, sig) {
		t.Error("Verify() failed for a genuine signature")
	}

	if Verify(kp.Public, []byte("tampered transcript"), sig) {
		t.Error("Verify() succeeded for a tampered message")
	}

	other, _ := GenerateSigningKeypair()
	if Verify(other.Public, msg, sig) {
		t.Error("Verify() succeeded with the wrong public key")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	kp, _ := GenerateSigningKeypair()
	fp1 := kp.Fingerprint()
	fp2 := kp.Fingerprint()
	if fp1 != fp2 {
		t.Error("Fingerprint() is not deterministic for the same key")
	}
}

func TestPublicKeyHexRoundTrip(t *testing.T) {
	kp, _ := GenerateSigningKeypair()
	s := kp.PublicKeyHex()

	pk, err := ParsePublicKeyHex(s)
	if err != nil {
		t.Fatalf("ParsePublicKeyHex() error = %v", err)
	}

	msg := []byte("round trip check")
	sig := kp.Sign(msg)
	if !Verify(pk, msg, sig) {
		t.Error("signature does not verify against round-tripped public key")
	}
}

func TestSigningKeypairStoreLoad(t *testing.T) {
	tmpDir := t.TempDir()

	kp, err := GenerateSigningKeypair()
	if err != nil {
		t.Fatalf("GenerateSigningKeypair() error = %v", err)
	}
	if err := kp.Store(tmpDir); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loaded, err := LoadSigningKeypair(tmpDir)
	if err != nil {
		t.Fatalf("LoadSigningKeypair() error = %v", err)
	}

	if kp.PublicKeyHex() != loaded.PublicKeyHex() {
		t.Error("loaded public key does not match")
	}

	msg := []byte("loaded key signs correctly")
	sig := loaded.Sign(msg)
	if !Verify(kp.Public, msg, sig) {
		t.Error("signature from loaded private key does not verify")
	}
}

func TestLoadOrCreateSigningKeypair(t *testing.T) {
	tmpDir := t.TempDir()

	kp1, created1, err := LoadOrCreateSigningKeypair(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKeypair() error = %v", err)
	}
	if !created1 {
		t.Error("expected created = true on first call")
	}

	kp2, created2, err := LoadOrCreateSigningKeypair(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreateSigningKeypair() error = %v", err)
	}
	if created2 {
		t.Error("expected created = false on second call")
	}

	if kp1.PublicKeyHex() != kp2.PublicKeyHex() {
		t.Error("loaded keypair does not match created one")
	}
}
