package stanza

import "testing"

func TestParseFullJID(t *testing.T) {
	j, err := Parse("alice@example.org/phone")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if j.Local != "alice" || j.Domain != "example.org" || j.Resource != "phone" {
		t.Errorf("Parse() = %+v", j)
	}
	if got := j.String(); got != "alice@example.org/phone" {
		t.Errorf("String() = %q", got)
	}
	if got := j.BareString(); got != "alice@example.org" {
		t.Errorf("BareString() = %q", got)
	}
}

func TestParseBareJID(t *testing.T) {
	j, err := Parse("room@muc.example.org")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if j.Resource != "" {
		t.Errorf("expected no resource, got %q", j.Resource)
	}
}

func TestParseDomainOnlyJID(t *testing.T) {
	j, err := Parse("example.org")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if j.Local != "" || j.Domain != "example.org" {
		t.Errorf("Parse() = %+v", j)
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty JID")
	}
}

func TestParseRejectsMultipleAt(t *testing.T) {
	if _, err := Parse("a@b@example.org"); err == nil {
		t.Fatal("expected error for multiple '@'")
	}
}

func TestParseRejectsEmptyResource(t *testing.T) {
	if _, err := Parse("alice@example.org/"); err == nil {
		t.Fatal("expected error for empty resource")
	}
}

func TestParseRejectsInvalidDomain(t *testing.T) {
	if _, err := Parse("alice@-bad-.org"); err == nil {
		t.Fatal("expected error for invalid domain label")
	}
}

func TestParseAccountJIDRejectsDomainOnly(t *testing.T) {
	if _, err := ParseAccountJID("example.org"); err == nil {
		t.Fatal("expected error for domain-only account JID")
	}
}

func TestParseAccountJIDAcceptsLocalAtDomain(t *testing.T) {
	j, err := ParseAccountJID("alice@example.org")
	if err != nil {
		t.Fatalf("ParseAccountJID() error = %v", err)
	}
	if j.Local != "alice" || j.Domain != "example.org" {
		t.Errorf("ParseAccountJID() = %+v", j)
	}
}

func TestWithResource(t *testing.T) {
	j := MustParse("alice@example.org")
	withRes := j.WithResource("home")
	if withRes.String() != "alice@example.org/home" {
		t.Errorf("WithResource() = %q", withRes.String())
	}
	if j.Resource != "" {
		t.Error("WithResource should not mutate the receiver")
	}
}
