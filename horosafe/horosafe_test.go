package horosafe

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	// WHAT: Only public http(s) endpoints pass.
	// WHY: The upstream endpoint is operator configuration; a typo must not point the engine at internal services.
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/search", false},
		{"http://example.com/search", false},
		{"ftp://evil.com/data", true},
		{"javascript:alert(1)", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.0.0.1/internal", true},
		{"http://192.168.1.1/api", true},
		{"http://[::1]/api", true},
		{"http://172.16.0.1/secret", true},
		{"https:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateTemplateURL(t *testing.T) {
	// WHAT: Placeholders are neutralised before the URL checks run.
	// WHY: Braces in the query are not valid URL syntax on their own.
	if err := ValidateTemplateURL("https://93.184.216.34/search?term={term}&country={country}&limit={limit}"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateTemplateURL("http://127.0.0.1/search?term={term}"); !errors.Is(err, ErrSSRF) {
		t.Fatalf("expected ErrSSRF, got %v", err)
	}
	if err := ValidateTemplateURL("file:///etc/{term}"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("expected ErrUnsafeScheme, got %v", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	if err := ValidateIdentifier("tenant-a_1.eu:prod"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateIdentifier("../etc/passwd"); err == nil {
		t.Fatal("expected error for path traversal chars")
	}
	if err := ValidateIdentifier(""); err == nil {
		t.Fatal("expected error for empty identifier")
	}
	if err := ValidateIdentifier("has spaces"); err == nil {
		t.Fatal("expected error for spaces")
	}
	if err := ValidateIdentifier(strings.Repeat("a", MaxIdentifierLen+1)); err == nil {
		t.Fatal("expected error for long identifier")
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(got))
	}

	_, err = LimitedReadAll(strings.NewReader(data), 50)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"::1", true},
	}
	for _, tt := range tests {
		ip := net.ParseIP(tt.ip)
		if ip == nil {
			t.Fatalf("failed to parse IP %q", tt.ip)
		}
		if got := isPrivateIP(ip); got != tt.private {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
		}
	}
}
