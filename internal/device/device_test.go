package device

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDeviceID(t *testing.T) {
	id1, err := NewDeviceID()
	if err != nil {
		t.Fatalf("NewDeviceID() error = %v", err)
	}
	if id1.IsZero() {
		t.Error("NewDeviceID() returned zero ID")
	}

	id2, err := NewDeviceID()
	if err != nil {
		t.Fatalf("NewDeviceID() error = %v", err)
	}
	if id1.Equal(id2) {
		t.Error("NewDeviceID() returned duplicate IDs")
	}
}

func TestDeviceID_String(t *testing.T) {
	id, _ := NewDeviceID()
	s := id.String()
	if len(s) != 32 {
		t.Errorf("String() length = %d, want 32", len(s))
	}
}

func TestDeviceID_ShortString(t *testing.T) {
	id, _ := NewDeviceID()
	s := id.ShortString()
	if len(s) != 8 {
		t.Errorf("ShortString() length = %d, want 8", len(s))
	}
	if s != id.String()[:8] {
		t.Errorf("ShortString() = %s, want prefix of %s", s, id.String())
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid hex", "a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", false},
		{"valid with 0x prefix", "0xa3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", false},
		{"valid with whitespace", "  a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e  ", false},
		{"too short", "a3f8c2d1e5b94a7c", true},
		{"too long", "a3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e00", true},
		{"invalid hex chars", "g3f8c2d1e5b94a7c8d2e1f0a3b5c7d9e", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseDeviceID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDeviceID() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && id.IsZero() {
				t.Error("ParseDeviceID() returned zero ID for valid input")
			}
		})
	}
}

func TestFromBytes(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"valid 16 bytes", make([]byte, 16), false},
		{"too short", make([]byte, 15), true},
		{"too long", make([]byte, 17), true},
		{"empty", []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeviceID_IsZero(t *testing.T) {
	var zero DeviceID
	if !zero.IsZero() {
		t.Error("IsZero() = false for zero ID")
	}
	id, _ := NewDeviceID()
	if id.IsZero() {
		t.Error("IsZero() = true for non-zero ID")
	}
}

func TestDeviceID_MarshalUnmarshalText(t *testing.T) {
	original, _ := NewDeviceID()

	text, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error = %v", err)
	}

	var restored DeviceID
	if err := restored.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}

	if !original.Equal(restored) {
		t.Errorf("Round-trip failed: original=%s, restored=%s", original, restored)
	}
}

func TestDeviceID_StoreAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	original, _ := NewDeviceID()
	if err := original.Store(tmpDir); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	filePath := filepath.Join(tmpDir, "device_id")
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		t.Error("Store() did not create file")
	}

	loaded, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !original.Equal(loaded) {
		t.Errorf("Load() = %s, want %s", loaded, original)
	}
}

func TestDeviceID_Store_ZeroID(t *testing.T) {
	tmpDir := t.TempDir()
	var zero DeviceID
	if err := zero.Store(tmpDir); err == nil {
		t.Error("Store() should fail for zero ID")
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir := t.TempDir()

	id1, created1, err := LoadOrCreate(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if !created1 {
		t.Error("LoadOrCreate() created = false on first call")
	}

	id2, created2, err := LoadOrCreate(tmpDir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if created2 {
		t.Error("LoadOrCreate() created = true on second call")
	}
	if !id1.Equal(id2) {
		t.Errorf("LoadOrCreate() returned different ID: %s vs %s", id1, id2)
	}
}

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()
	if Exists(tmpDir) {
		t.Error("Exists() = true before creating ID")
	}
	id, _ := NewDeviceID()
	if err := id.Store(tmpDir); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !Exists(tmpDir) {
		t.Error("Exists() = false after creating ID")
	}
}
