package connect

import "testing"

func TestValidateRequiresSigningKeyOutsideDevMode(t *testing.T) {
	cfg := &Config{Apps: []App{{ClientID: "a"}}, DevMode: false}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing signing key outside dev mode")
	}

	cfg.DevMode = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dev mode should not require a signing key: %v", err)
	}
}

func TestValidateRequiresAtLeastOneApp(t *testing.T) {
	cfg := &Config{SigningKey: "k", Apps: nil}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty apps list")
	}
}

func TestValidateRejectsDuplicateClientIDs(t *testing.T) {
	cfg := &Config{
		SigningKey: "k",
		Apps: []App{
			{ClientID: "a"},
			{ClientID: "a"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate client ids")
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		SigningKey: "k",
		Apps: []App{
			{ClientID: "a"},
			{ClientID: "b"},
		},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
