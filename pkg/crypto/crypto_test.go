// Second-Layer is a blockchain event streaming service.
// Copyright (C) 2025  Second Layer Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"strings"
	"testing"
)

// webhookSecret mirrors what the admin surface generates on stream
// creation and rotation: 32 random bytes, hex-encoded.
const webhookSecret = "3f9a1c4e8b2d6075a1b3c5d7e9f02468acebd13579fdb86420cafe1234567890"

func TestNewEncryptor_RequiresPassphrase(t *testing.T) {
	if _, err := NewEncryptor(""); err == nil {
		t.Fatal("expected an empty passphrase to be rejected")
	}
	enc, err := NewEncryptor("stream-secrets-at-rest")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if enc == nil {
		t.Fatal("expected a non-nil encryptor")
	}
}

func TestEncryptDecrypt_WebhookSecretRoundTrip(t *testing.T) {
	enc, err := NewEncryptor("stream-secrets-at-rest")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	stored, err := enc.Encrypt(webhookSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if stored == webhookSecret {
		t.Fatal("stored form must not equal the plaintext secret")
	}
	if strings.Contains(stored, webhookSecret) {
		t.Fatal("stored form must not embed the plaintext secret")
	}

	got, err := enc.Decrypt(stored)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != webhookSecret {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestEncrypt_RejectsEmptyPlaintext(t *testing.T) {
	enc, err := NewEncryptor("p")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if _, err := enc.Encrypt(""); err == nil {
		t.Fatal("expected an empty plaintext to be rejected")
	}
}

func TestEncrypt_CiphertextsAreUnique(t *testing.T) {
	// A fresh nonce per call: encrypting the same secret twice must not
	// produce the same stored value.
	enc, err := NewEncryptor("stream-secrets-at-rest")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	first, err := enc.Encrypt(webhookSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := enc.Encrypt(webhookSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct ciphertexts for repeated encryption of one secret")
	}
}

func TestDecrypt_WrongPassphraseFails(t *testing.T) {
	enc, err := NewEncryptor("the-deployed-key")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	stored, err := enc.Encrypt(webhookSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	other, err := NewEncryptor("a-rotated-key")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	if _, err := other.Decrypt(stored); err == nil {
		t.Fatal("expected decryption under a different passphrase to fail")
	}
}

func TestDecrypt_RejectsMalformedInput(t *testing.T) {
	enc, err := NewEncryptor("p")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	for _, bad := range []string{
		"",
		"not-base64!!",
		"dG9vLXNob3J0", // valid base64, shorter than a nonce
	} {
		if _, err := enc.Decrypt(bad); err == nil {
			t.Errorf("Decrypt(%q) should fail", bad)
		}
	}
}

func TestIsEncrypted_DistinguishesStoredForms(t *testing.T) {
	enc, err := NewEncryptor("stream-secrets-at-rest")
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	stored, err := enc.Encrypt(webhookSecret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !IsEncrypted(stored) {
		t.Error("a freshly encrypted secret should read as encrypted")
	}
	// A secret stored before at-rest encryption was configured: the
	// worker relies on this reading false so the value passes through
	// undecrypted.
	if IsEncrypted("whsec_plaintext-legacy-secret") {
		t.Error("a prefixed plaintext secret should not read as encrypted")
	}
	if IsEncrypted("") {
		t.Error("an empty secret should not read as encrypted")
	}
	if IsEncrypted("c2hvcnQ=") {
		t.Error("a short base64 value should not read as encrypted")
	}
}
