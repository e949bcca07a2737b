package logging

import (
	"log/slog"
	"strings"
	"testing"

	"mercator-hq/custodian/pkg/config"
)

func TestRedactString(t *testing.T) {
	r, err := NewRedactor(nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"email", "contact alice@example.com now", "contact ***@*** now"},
		{"bearer", "Authorization: Bearer abc.def-ghi", "Authorization: Bearer ***"},
		{"confirm link", "https://shop.example/confirm?token=" + strings.Repeat("a", 43), "https://shop.example/confirm?token=***"},
		{"ipv4", "from 192.168.1.100", "from 192.*.*.*"},
		{"ipv6", "from 2001:0db8:85a3:0000:0000:8a2e:0370:7334", "from ****:****"},
		{"phone", "call +1 555-123-4567", "call ***-***-****"},
		{"password", "password=hunter2 ok", "password=*** ok"},
		{"clean", "retention run finished", "retention run finished"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := r.RedactString(tt.input); got != tt.want {
				t.Errorf("RedactString(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRedactor_CustomPatterns(t *testing.T) {
	r, err := NewRedactor([]config.RedactPattern{
		{Name: "order", Pattern: `ord_[0-9]+`},
		{Name: "crm", Pattern: `crm-[0-9]+`, Replacement: "crm-?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.RedactString("ord_123 crm-77"); got != "*** crm-?" {
		t.Errorf("RedactString() = %q", got)
	}
}

func TestRedactor_InvalidPattern(t *testing.T) {
	if _, err := NewRedactor([]config.RedactPattern{{Name: "bad", Pattern: "[a-"}}); err == nil {
		t.Error("NewRedactor() accepted an invalid pattern")
	}
}

func TestRedactAttr_SensitiveKeys(t *testing.T) {
	r, _ := NewRedactor(nil)

	for _, key := range []string{"api_key", "AdminToken", "email", "last_name", "smtp_password"} {
		a := r.RedactAttr(slog.String(key, "value"))
		if a.Value.String() != "***" {
			t.Errorf("RedactAttr(%s) = %q", key, a.Value.String())
		}
	}
	if a := r.RedactAttr(slog.String("subject_id", "sub_1")); a.Value.String() != "sub_1" {
		t.Errorf("subject_id altered: %q", a.Value.String())
	}
	if a := r.RedactAttr(slog.Int("orders_retained", 2)); a.Value.Int64() != 2 {
		t.Errorf("int attribute altered: %v", a.Value)
	}
}

func TestRedactEmail(t *testing.T) {
	tests := map[string]string{
		"alice@example.com": "a***@example.com",
		"@example.com":      "***@example.com",
		"not-an-email":      "not-an-email",
	}
	for in, want := range tests {
		if got := RedactEmail(in); got != want {
			t.Errorf("RedactEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
