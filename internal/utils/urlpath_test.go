package utils

import (
	"testing"
)

func TestResolveURL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		ref      string
		expected string
		wantErr  bool
	}{
		{
			name:     "Bucket directory",
			base:     "https://example.com/dados/cnpj/",
			ref:      "2024-05/",
			expected: "https://example.com/dados/cnpj/2024-05/",
		},
		{
			name:     "File in bucket",
			base:     "https://example.com/dados/cnpj/2024-05/",
			ref:      "Empresas0.zip",
			expected: "https://example.com/dados/cnpj/2024-05/Empresas0.zip",
		},
		{
			name:     "Base without trailing slash replaces last segment",
			base:     "https://example.com/dados/cnpj",
			ref:      "2024-05/",
			expected: "https://example.com/dados/2024-05/",
		},
		{
			name:     "Absolute reference",
			base:     "https://example.com/dados/",
			ref:      "https://mirror.org/x.zip",
			expected: "https://mirror.org/x.zip",
		},
		{
			name:     "Root relative reference",
			base:     "https://example.com/dados/cnpj/",
			ref:      "/other/",
			expected: "https://example.com/other/",
		},
		{
			name:    "Invalid base",
			base:    "://invalid",
			ref:     "a",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolveURL(tt.base, tt.ref)

			if tt.wantErr {
				if err == nil {
					t.Errorf("ResolveURL() expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("ResolveURL() unexpected error: %v", err)
				return
			}

			if result != tt.expected {
				t.Errorf("ResolveURL() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestFileURL(t *testing.T) {
	got, err := FileURL("https://example.com/dados/cnpj", "2024-05", "Socios 1.zip")
	if err != nil {
		t.Fatalf("FileURL() unexpected error: %v", err)
	}
	want := "https://example.com/dados/cnpj/2024-05/Socios%201.zip"
	if got != want {
		t.Errorf("FileURL() = %q, want %q", got, want)
	}
}

func TestNameFromHref(t *testing.T) {
	tests := map[string]string{
		"Empresas0.zip":               "Empresas0.zip",
		"Empresas%201.zip":            "Empresas 1.zip",
		"/dados/2024-05/Cnaes.zip":    "Cnaes.zip",
		"2024-05/":                    "2024-05",
		"Socios0.zip?download=1":      "Socios0.zip",
		"":                            "",
		"https://host/a/Simples.zip":  "Simples.zip",
	}
	for href, want := range tests {
		if got := NameFromHref(href); got != want {
			t.Errorf("NameFromHref(%q) = %q, want %q", href, got, want)
		}
	}
}
