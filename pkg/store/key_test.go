package store

import (
	"net/http"
	"testing"
)

func TestRequestKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  RequestKey
		want string
	}{
		{
			name: "simple get",
			key:  RequestKey{Method: "GET", URL: "https://trainer.example/logo.png"},
			want: "GET https://trainer.example/logo.png",
		},
		{
			name: "empty method defaults to GET",
			key:  RequestKey{URL: "https://trainer.example/"},
			want: "GET https://trainer.example/",
		},
		{
			name: "lowercase method normalized",
			key:  RequestKey{Method: "head", URL: "https://trainer.example/"},
			want: "HEAD https://trainer.example/",
		},
		{
			name: "vary headers sorted",
			key: RequestKey{
				Method: "GET",
				URL:    "https://trainer.example/logo.png",
				Vary: map[string]string{
					"Accept-Language": "de",
					"Accept":          "image/webp",
				},
			},
			want: "GET https://trainer.example/logo.png|Accept=image/webp|Accept-Language=de",
		},
		{
			name: "separators escaped",
			key: RequestKey{
				Method: "GET",
				URL:    "https://trainer.example/q?a=b|c&p=50%25",
				Vary:   map[string]string{"X-Variant": "a|b=c"},
			},
			want: "GET https://trainer.example/q?a=b%7Cc&p=50%2525|X-Variant=a%7Cb%3Dc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRequestKey_DropsFragment(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://trainer.example/page.html#section", nil)

	key := NewRequestKey(req)
	if key.URL != "https://trainer.example/page.html" {
		t.Errorf("URL = %q", key.URL)
	}
}

func TestNewRequestKeyVary(t *testing.T) {
	req, _ := http.NewRequest("GET", "https://trainer.example/logo.png", nil)
	req.Header.Set("Accept", "image/avif")

	key := NewRequestKeyVary(req, "accept", "Accept-Language")
	if len(key.Vary) != 1 || key.Vary["Accept"] != "image/avif" {
		t.Errorf("Vary = %v", key.Vary)
	}
}

func TestParseRequestKey(t *testing.T) {
	tests := []struct {
		name string
		key  RequestKey
	}{
		{"query", RequestKey{Method: "GET", URL: "https://trainer.example/a.png?v=2", Vary: map[string]string{"Accept": "image/png"}}},
		{"pipe in query", RequestKey{Method: "GET", URL: "https://trainer.example/search?a=b|c"}},
		{"escaped pipe in query", RequestKey{Method: "GET", URL: "https://trainer.example/search?a=b%7Cc"}},
		{"separators in vary value", RequestKey{Method: "GET", URL: "https://trainer.example/", Vary: map[string]string{"X-Variant": "a|b=c%"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParseRequestKey(tt.key.String())
			if err != nil {
				t.Fatalf("ParseRequestKey() error = %v", err)
			}
			if parsed.Method != tt.key.Method || parsed.URL != tt.key.URL {
				t.Errorf("parsed = %s %s, want %s %s", parsed.Method, parsed.URL, tt.key.Method, tt.key.URL)
			}
			if len(parsed.Vary) != len(tt.key.Vary) {
				t.Fatalf("Vary = %v, want %v", parsed.Vary, tt.key.Vary)
			}
			for name, value := range tt.key.Vary {
				if parsed.Vary[name] != value {
					t.Errorf("Vary[%s] = %q, want %q", name, parsed.Vary[name], value)
				}
			}
		})
	}

	if _, err := ParseRequestKey("garbage"); err == nil {
		t.Error("expected error for malformed key")
	}
}
