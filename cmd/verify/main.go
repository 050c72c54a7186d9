// Command verify checks that pkg/filename's Format/Parse round-trip
// bit-exactly for a representative set of event IDs, timestamps, and
// tags — the only persisted binding between a local artifact and its
// server event_id (spec §6), so a break here is silent data loss.
// Repurposed from the teacher's pre-flight connection-verification CLI.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/filename"
)

func main() {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Filename Grammar Round-Trip Verification")
	fmt.Println(strings.Repeat("=", 60))

	cases := []struct {
		eventID int64
		ts      time.Time
		tag     filename.Tag
	}{
		{1, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), filename.TagImageA},
		{42, time.Date(2025, 10, 30, 14, 30, 22, 0, time.UTC), filename.TagImageB},
		{999999, time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), filename.TagThumbnail},
		{0, time.Date(2025, 6, 15, 9, 5, 0, 0, time.UTC), filename.TagVideo},
	}

	failures := 0
	for _, c := range cases {
		name, err := filename.Format(c.eventID, c.ts, c.tag)
		if err != nil {
			fmt.Printf("✗ format(%d, %s, %s): %v\n", c.eventID, c.ts, c.tag, err)
			failures++
			continue
		}

		parsed, err := filename.Parse(name)
		if err != nil {
			fmt.Printf("✗ parse(%s): %v\n", name, err)
			failures++
			continue
		}

		if parsed.EventID != c.eventID || parsed.Tag != c.tag || parsed.Timestamp != c.ts.Format("20060102_150405") {
			fmt.Printf("✗ round-trip mismatch for %s: got event_id=%d timestamp=%s tag=%s\n", name, parsed.EventID, parsed.Timestamp, parsed.Tag)
			failures++
			continue
		}

		fmt.Printf("✓ %-40s -> event_id=%d kind=%s dest=%s ext=%s\n", name, parsed.EventID, parsed.Kind, parsed.DestSubdir, parsed.Extension)
	}

	fmt.Println(strings.Repeat("=", 60))
	if failures > 0 {
		fmt.Printf("✗ %d/%d round-trips failed\n", failures, len(cases))
		os.Exit(1)
	}
	fmt.Printf("✓ All %d round-trips passed\n", len(cases))
}
