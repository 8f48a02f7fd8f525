package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := NewBox("project-key")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hello")},
		{"binary", []byte{0, 1, 2, 255, 254}},
		{"large", bytes.Repeat([]byte("x"), 64*1024)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := box.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(sealed) != len(tt.plaintext)+Overhead {
				t.Errorf("len(sealed) = %d, want %d", len(sealed), len(tt.plaintext)+Overhead)
			}
			opened, err := box.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, tt.plaintext) {
				t.Error("Open() returned different plaintext")
			}
		})
	}
}

func TestBoxDifferentCiphertextEachTime(t *testing.T) {
	box, _ := NewBox("k")
	a, _ := box.Seal([]byte("same"))
	b, _ := box.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestBoxErrors(t *testing.T) {
	if _, err := NewBox(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("NewBox(\"\") error = %v, want ErrEmptyKey", err)
	}

	box, _ := NewBox("right")
	other, _ := NewBox("wrong")
	sealed, _ := box.Seal([]byte("payload"))

	if _, err := other.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() with wrong key error = %v, want ErrDecryptionFailed", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := box.Open(tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open(tampered) error = %v, want ErrDecryptionFailed", err)
	}

	if _, err := box.Open(sealed[:Overhead-1]); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open(short) error = %v, want ErrInvalidCiphertext", err)
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	ZeroBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("ZeroBytes() left %v", b)
	}
}

func TestRandomString(t *testing.T) {
	s, err := RandomString(8)
	if err != nil {
		t.Fatal(err)
	}
	if len(s) != 8 {
		t.Errorf("len = %d, want 8", len(s))
	}
	for _, r := range s {
		if !strings.ContainsRune(alphanumeric, r) {
			t.Errorf("unexpected rune %q", r)
		}
	}
	t2, _ := RandomString(8)
	if s == t2 {
		t.Error("RandomString returned the same value twice")
	}
}

func BenchmarkSeal(b *testing.B) {
	box, _ := NewBox("bench")
	data := bytes.Repeat([]byte("x"), 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		box.Seal(data)
	}
}
