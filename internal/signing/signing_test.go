package signing

import "testing"

func TestParsePubkeyHex(t *testing.T) {
	hex64 := "a" // not valid length but decode should still succeed for even-length hex
	got, err := ParsePubkey("ab")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ab" {
		t.Fatalf("got %q, want %q", got, "ab")
	}
	_ = hex64
}

func TestParsePubkeyInvalidHex(t *testing.T) {
	if _, err := ParsePubkey("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestParseSignatureHexPreferred(t *testing.T) {
	got, err := ParseSignature("abcd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestParseSignatureFallsBackToBase64(t *testing.T) {
	// "/w==" is base64 for a single 0xFF byte, not valid hex.
	got, err := ParseSignature("/w==")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != 0xFF {
		t.Fatalf("got %v, want [0xFF]", got)
	}
}

func TestParseSignatureInvalidInput(t *testing.T) {
	if _, err := ParseSignature("not valid at all !!"); err == nil {
		t.Fatal("expected error")
	}
}

type stubVerifier struct {
	called    bool
	wantPub   string
	wantMsg   []byte
	wantSig   []byte
	returnVal bool
}

func (s *stubVerifier) Verify(pubkeyHex string, message []byte, signature []byte) bool {
	s.called = true
	s.wantPub = pubkeyHex
	s.wantMsg = message
	s.wantSig = signature
	return s.returnVal
}

func TestServiceVerifyDelegatesDecodedInputs(t *testing.T) {
	stub := &stubVerifier{returnVal: true}
	svc := New(stub)
	ok, err := svc.Verify("abcd", []byte("hello"), "ef01")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected true")
	}
	if !stub.called {
		t.Fatal("expected underlying verifier to be called")
	}
	if stub.wantPub != "abcd" {
		t.Fatalf("pubkey = %q, want abcd", stub.wantPub)
	}
}
