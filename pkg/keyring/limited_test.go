package keyring

import (
	"testing"
)

func TestLimitedKeyringExposesOnlyNamedKey(t *testing.T) {
	_, longterm := issueLongterm(t)
	if _, err := longterm.IssueKeyGroup("messaging", messagingPurposes()); err != nil {
		t.Fatalf("IssueKeyGroup: %v", err)
	}

	view, err := ExposeLimitedKeyringFor(longterm, "messaging", "tell")
	if err != nil {
		t.Fatalf("ExposeLimitedKeyringFor: %v", err)
	}
	if view.GroupName() != "messaging" || view.KeyName() != "tell" {
		t.Fatalf("view names wrong: %s/%s", view.GroupName(), view.KeyName())
	}
	if view.Kind() != KindSign {
		t.Fatalf("tell key should be a sign key, got %s", view.Kind())
	}

	sig, err := view.SignDetached([]byte("hello"))
	if err != nil {
		t.Fatalf("SignDetached: %v", err)
	}
	pub := view.PublicKey()
	if err := VerifyDetached(&pub, []byte("hello"), sig); err != nil {
		t.Fatalf("signature from view should verify: %v", err)
	}
}

func TestLimitedKeyringRejectsWrongOperation(t *testing.T) {
	_, longterm := issueLongterm(t)
	if _, err := longterm.IssueKeyGroup("messaging", messagingPurposes()); err != nil {
		t.Fatalf("IssueKeyGroup: %v", err)
	}

	signView, err := ExposeLimitedKeyringFor(longterm, "messaging", "announce")
	if err != nil {
		t.Fatalf("ExposeLimitedKeyringFor: %v", err)
	}
	nonce, err := NewNonce()
	if err != nil {
		t.Fatalf("NewNonce: %v", err)
	}
	peer, err := NewBoxKeyPair()
	if err != nil {
		t.Fatalf("NewBoxKeyPair: %v", err)
	}
	peerPub := peer.Public()
	if _, err := signView.Seal([]byte("x"), nonce, &peerPub); err == nil {
		t.Fatal("sealing with a sign key should fail")
	}

	boxView, err := ExposeLimitedKeyringFor(longterm, "messaging", "envelope")
	if err != nil {
		t.Fatalf("ExposeLimitedKeyringFor: %v", err)
	}
	if _, err := boxView.SignDetached([]byte("x")); err == nil {
		t.Fatal("signing with a box key should fail")
	}
}

func TestLimitedKeyringUnknownNames(t *testing.T) {
	_, longterm := issueLongterm(t)
	if _, err := longterm.IssueKeyGroup("client", map[string]KeyKind{
		"connBox": KindBox,
	}); err != nil {
		t.Fatalf("IssueKeyGroup: %v", err)
	}

	if _, err := ExposeLimitedKeyringFor(longterm, "client", "other"); err == nil {
		t.Fatal("unknown key name should fail")
	}
	if _, err := ExposeLimitedKeyringFor(longterm, "server", "connBox"); err == nil {
		t.Fatal("unknown group name should fail")
	}
}
