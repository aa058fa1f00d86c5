package platform

import "time"

const mb = 1 << 20

// defaultLimits mirrors each destination's published constraints for
// short-form video uploads.
var defaultLimits = map[string]Limits{
	KindTikTok: {
		MaxCaptionLength: 2200,
		MaxTags:          30,
		MaxDuration:      600 * time.Second,
		MinDuration:      3 * time.Second,
		MaxSizeBytes:     500 * mb,
		Formats:          []string{"mp4", "mov", "webm"},
	},
	KindYouTube: {
		// Shorts limits, not full uploads.
		MaxCaptionLength: 5000,
		MaxTags:          15,
		MaxDuration:      60 * time.Second,
		MinDuration:      1 * time.Second,
		MaxSizeBytes:     256 * mb,
		Formats:          []string{"mp4", "mov", "avi", "wmv", "flv", "webm"},
	},
	KindInstagram: {
		MaxCaptionLength: 2200,
		MaxTags:          30,
		MaxDuration:      90 * time.Second,
		MinDuration:      3 * time.Second,
		MaxSizeBytes:     100 * mb,
		Formats:          []string{"mp4", "mov"},
	},
	KindFacebook: {
		MaxCaptionLength: 63206,
		MaxTags:          30,
		MaxDuration:      240 * time.Minute,
		MinDuration:      1 * time.Second,
		MaxSizeBytes:     10 * 1024 * mb,
		Formats:          []string{"mp4", "mov", "avi", "wmv", "flv", "webm", "mkv"},
	},
	KindTwitter: {
		MaxCaptionLength: 280,
		MaxTags:          10,
		MaxDuration:      140 * time.Second,
		MinDuration:      1 * time.Second,
		MaxSizeBytes:     512 * mb,
		Formats:          []string{"mp4", "mov"},
	},
}

// DefaultLimits returns the static limits for a destination kind. The second
// return is false for unknown kinds.
func DefaultLimits(kind string) (Limits, bool) {
	l, ok := defaultLimits[kind]
	return l, ok
}
