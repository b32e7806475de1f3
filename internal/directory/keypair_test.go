package directory

import (
	"bytes"
	"strings"
	"testing"
)

func TestKeypairRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	pub := kp.PublicKey()
	if len(pub) != 52 {
		t.Fatalf("len(PublicKey()) = %d, want 52", len(pub))
	}
	if strings.Trim(pub, "ybndrfg8ejkmcpqxot1uwisza345h769") != "" {
		t.Fatalf("public key %q uses characters outside z-base-32", pub)
	}

	msg := []byte("hello")
	sig := kp.Sign(msg)
	if !Verify(pub, msg, sig) {
		t.Fatalf("signature did not verify")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Fatalf("tampered message verified")
	}
}

func TestKeypairFromSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := KeypairFromSeed(seed)
	if err != nil {
		t.Fatalf("KeypairFromSeed: %v", err)
	}
	b, _ := KeypairFromSeed(seed)
	if a.PublicKey() != b.PublicKey() {
		t.Fatalf("same seed gave different keys")
	}
	if _, err := KeypairFromSeed([]byte{1}); err == nil {
		t.Fatalf("short seed accepted")
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParsePublicKey("not-a-key"); err == nil {
		t.Fatalf("garbage accepted")
	}
	if (Keypair{}).Valid() || (Keypair{}).PublicKey() != "" {
		t.Fatalf("zero keypair reports key material")
	}
}
