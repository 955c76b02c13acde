package utils

import (
	"strings"
	"testing"
)

func TestObfuscateURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"full url", "http://cdn.example.com/v/seg.ts?token=secret", "http://cdn.example.com/***?***"},
		{"bare host", "http://cdn.example.com", "http://cdn.example.com"},
		{"path only", "https://cdn.example.com/video.mp4", "https://cdn.example.com/***"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObfuscateURL(tt.url); got != tt.want {
				t.Errorf("ObfuscateURL(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestLogURL(t *testing.T) {
	u := "http://cdn.example.com/v/seg.ts?token=secret"
	if got := LogURL(false, u); got != u {
		t.Errorf("LogURL(false) = %q, want passthrough", got)
	}
	if got := LogURL(true, u); strings.Contains(got, "token") {
		t.Errorf("LogURL(true) leaked query: %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{500, "500 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1 << 20, "1.0 MiB"},
		{1 << 30, "1.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	a, b := ShortID(), ShortID()
	if len(a) != 8 || len(b) != 8 {
		t.Fatalf("ShortID length: %q %q", a, b)
	}
	if a == b {
		t.Error("consecutive ShortIDs collided")
	}
}
