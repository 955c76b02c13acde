package source

import (
	"testing"

	"hlscache-proxy/work/types"
)

func TestMimeFor(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://o/p/m.m3u8", "application/vnd.apple.mpegurl"},
		{"http://o/seg1.ts", "video/mp2t"},
		{"http://o/v/media.mp4", "video/mp4"},
		{"http://o/v/seg.m4s", "video/iso.segment"},
		{"http://o/a/audio.m4a", "audio/mp4"},
		{"http://o/k.bin", "application/octet-stream"},
		{"http://o/noext", "application/octet-stream"},
		{"http://o/SEG.TS", "video/mp2t"},
		{"http://o/seg.ts?token=abc", "video/mp2t"},
	}
	for _, tt := range tests {
		if got := MimeFor(tt.url); got != tt.want {
			t.Errorf("MimeFor(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestParseRangeHeader(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  *types.ByteRange
		ok    bool
	}{
		{"closed", "bytes=100-199", &types.ByteRange{Start: 100, End: 199}, true},
		{"open", "bytes=100-", &types.ByteRange{Start: 100, End: -1}, true},
		{"zero start", "bytes=0-0", &types.ByteRange{Start: 0, End: 0}, true},
		{"padded", " bytes=5-9", &types.ByteRange{Start: 5, End: 9}, true},
		{"suffix form unsupported", "bytes=-500", nil, false},
		{"inverted", "bytes=9-5", nil, false},
		{"multi range", "bytes=0-1,5-9", nil, false},
		{"wrong unit", "items=0-1", nil, false},
		{"garbage", "bytes=abc-def", nil, false},
		{"empty", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRangeHeader(tt.value)
			if ok != tt.ok {
				t.Fatalf("ParseRangeHeader(%q) ok = %v, want %v", tt.value, ok, tt.ok)
			}
			if tt.ok && (got.Start != tt.want.Start || got.End != tt.want.End) {
				t.Errorf("ParseRangeHeader(%q) = %+v, want %+v", tt.value, got, tt.want)
			}
		})
	}
}

func TestClampRange(t *testing.T) {
	tests := []struct {
		name   string
		rng    types.ByteRange
		size   int64
		lo, hi int64
		ok     bool
	}{
		{"inside", types.ByteRange{Start: 100, End: 199}, 500, 100, 199, true},
		{"open to end", types.ByteRange{Start: 100, End: -1}, 500, 100, 499, true},
		{"clamped upper", types.ByteRange{Start: 0, End: 9999}, 500, 0, 499, true},
		{"start past end", types.ByteRange{Start: 500, End: -1}, 500, 0, 0, false},
		{"start past clamped hi", types.ByteRange{Start: 600, End: 700}, 500, 0, 0, false},
		{"whole file", types.ByteRange{Start: 0, End: -1}, 500, 0, 499, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi, ok := clampRange(&tt.rng, tt.size)
			if ok != tt.ok {
				t.Fatalf("clampRange ok = %v, want %v", ok, tt.ok)
			}
			if tt.ok && (lo != tt.lo || hi != tt.hi) {
				t.Errorf("clampRange = (%d, %d), want (%d, %d)", lo, hi, tt.lo, tt.hi)
			}
		})
	}
}

func TestHeadTracker(t *testing.T) {
	h := NewHeadTracker(true, 2)

	if !h.Allow("http://o/seg0.ts") || !h.Allow("http://o/seg1.ts") {
		t.Fatal("head window denied within limit")
	}
	if h.Allow("http://o/seg2.ts") {
		t.Fatal("head window allowed past limit")
	}

	// a different origin has its own window
	if !h.Allow("http://other/seg0.ts") {
		t.Error("independent origin shared a window")
	}

	// a fresh media playlist restarts the window
	h.Reset("http://o/next.m3u8")
	if !h.Allow("http://o/seg3.ts") {
		t.Error("window not restarted by Reset")
	}
}

func TestHeadTrackerDisabled(t *testing.T) {
	h := NewHeadTracker(false, 1)
	for i := 0; i < 10; i++ {
		if !h.Allow("http://o/seg.ts") {
			t.Fatal("disabled tracker denied persistence")
		}
	}
}
