package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	t.Run("normalizes scheme and host", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps non-default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" {
			t.Fatalf("normalized=%q, want %q", normalized, "http://localhost:5173")
		}
		if host != "localhost:5173" {
			t.Fatalf("host=%q, want %q", host, "localhost:5173")
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q, want null and empty", normalized, host)
		}
	})

	t.Run("brackets IPv6 literals", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://[::1]:5173")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://[::1]:5173" {
			t.Fatalf("normalized=%q, want %q", normalized, "http://[::1]:5173")
		}
		if host != "[::1]:5173" {
			t.Fatalf("host=%q, want %q", host, "[::1]:5173")
		}
	})

	t.Run("rejects junk", func(t *testing.T) {
		cases := []string{
			"",
			"example.com",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com?q=1",
			"https://example.com#frag",
			"https://user@example.com",
			"https://example.com:0",
			"https://example.com:70000",
			"https://:8080",
		}
		for _, raw := range cases {
			if _, _, ok := NormalizeHeader(raw); ok {
				t.Fatalf("expected ok=false for %q", raw)
			}
		}
	})
}

func TestIsAllowed_Allowlist(t *testing.T) {
	normalized, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader failed")
	}

	if !IsAllowed(normalized, host, "broker.example.com", []string{"https://app.example.com"}) {
		t.Fatalf("expected exact allowlist match")
	}
	if !IsAllowed(normalized, host, "broker.example.com", []string{"*"}) {
		t.Fatalf("expected wildcard allowlist match")
	}
	if IsAllowed(normalized, host, "broker.example.com", []string{"https://other.example.com"}) {
		t.Fatalf("expected allowlist miss")
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	normalized, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader failed")
	}

	if !IsAllowed(normalized, host, "app.example.com", nil) {
		t.Fatalf("expected same-host to be allowed")
	}
	if !IsAllowed(normalized, host, "app.example.com:443", nil) {
		t.Fatalf("expected default port to be equivalent")
	}
	if IsAllowed(normalized, host, "app.example.com:8443", nil) {
		t.Fatalf("expected port mismatch to be rejected")
	}
	if IsAllowed(normalized, host, "other.example.com", nil) {
		t.Fatalf("expected host mismatch to be rejected")
	}
}

func TestIsAllowed_NullOrigin(t *testing.T) {
	normalized, host, ok := NormalizeHeader("null")
	if !ok {
		t.Fatalf("NormalizeHeader failed")
	}

	if IsAllowed(normalized, host, "app.example.com", nil) {
		t.Fatalf("null origin must not match same-host policy")
	}
	if !IsAllowed(normalized, host, "app.example.com", []string{"null"}) {
		t.Fatalf("null origin should match explicit allowlist entry")
	}
}
