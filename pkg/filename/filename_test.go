package filename

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatParseRoundTrip(t *testing.T) {
	ts := time.Date(2025, 10, 30, 14, 30, 22, 0, time.UTC)

	tags := []Tag{TagImageA, TagImageB, TagThumbnail, TagVideo}
	for _, tag := range tags {
		name, err := Format(42, ts, tag)
		require.NoError(t, err)

		parsed, err := Parse(name)
		require.NoError(t, err)

		assert.Equal(t, int64(42), parsed.EventID)
		assert.Equal(t, "20251030_143022", parsed.Timestamp)
		assert.Equal(t, tag, parsed.Tag)
	}
}

// Cases ported verbatim from original_source/test_transfer_manager.py.
func TestParseKnownCases(t *testing.T) {
	cases := []struct {
		name       string
		wantID     int64
		wantKind   Kind
		wantDest   DestSubdir
		shouldFail bool
	}{
		{"42_20251030_143022_a.jpg", 42, KindImageA, DestPictures, false},
		{"42_20251030_143022_b.jpg", 42, KindImageB, DestPictures, false},
		{"42_20251030_143022_thumb.jpg", 42, KindThumbnail, DestThumbs, false},
		{"42_20251030_143022_video.h264", 42, KindVideo, DestVideos, false},
		{"100_20251101_120000_a.jpg", 100, KindImageA, DestPictures, false},
		{"invalid_filename.jpg", 0, "", "", true},
		{"42_a.jpg", 0, "", "", true},
		{"not_enough_parts.jpg", 0, "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := Parse(tc.name)
			if tc.shouldFail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, parsed.EventID)
			assert.Equal(t, tc.wantKind, parsed.Kind)
			assert.Equal(t, tc.wantDest, parsed.DestSubdir)
		})
	}
}

func TestFormatUnknownTag(t *testing.T) {
	_, err := Format(1, time.Now(), Tag("bogus"))
	assert.Error(t, err)
}
