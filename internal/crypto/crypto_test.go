package crypto

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/keyframed/relayd/internal/database"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	database.DB = db
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupTestDB(t)

	encrypted, err := Encrypt("backend-token-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if encrypted == "backend-token-value" {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := Decrypt(encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != "backend-token-value" {
		t.Errorf("round trip mismatch: %q", decrypted)
	}
}

func TestDecryptEmptyAndInvalid(t *testing.T) {
	setupTestDB(t)

	if got, err := Decrypt(""); err != nil || got != "" {
		t.Errorf("empty ciphertext: got %q, %v", got, err)
	}
	if _, err := Decrypt("not-a-fernet-token"); err == nil {
		t.Error("expected error for garbage ciphertext")
	}
}

func TestKeyPersistsAcrossCalls(t *testing.T) {
	setupTestDB(t)

	first, err := Encrypt("value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// Second call must reuse the stored key, so the first ciphertext
	// still decrypts
	if _, err := Encrypt("other"); err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	decrypted, err := Decrypt(first)
	if err != nil || decrypted != "value" {
		t.Errorf("key not reused: got %q, %v", decrypted, err)
	}
}

func TestMask(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"abc", "****"},
		{"secret-token-1234", "****1234"},
	}
	for _, tc := range cases {
		if got := Mask(tc.in); got != tc.want {
			t.Errorf("Mask(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
