// ABOUTME: Renders a terminated conversation into a plain-text notification body
// ABOUTME: Optional HTML alternative is produced from the same content with goldmark

package notify

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/assistant-relay/internal/conversation"
)

// UnknownLocation replaces the location when the lookup fails.
const UnknownLocation = "Unknown location"

// displayLayout is used for start and end timestamps.
const displayLayout = "2006-01-02 15:04:05 MST"

// Render produces the notification body for snap. The output depends only on
// its arguments.
func Render(snap conversation.Snapshot, location string, tz *time.Location) string {
	if tz == nil {
		tz = time.UTC
	}
	if location == "" {
		location = UnknownLocation
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IP: %s\n", snap.RemoteAddress)
	fmt.Fprintf(&b, "Location: %s\n", location)
	fmt.Fprintf(&b, "Start: %s\n", snap.StartedAt.In(tz).Format(displayLayout))
	fmt.Fprintf(&b, "End: %s\n", endOf(snap).In(tz).Format(displayLayout))
	fmt.Fprintf(&b, "Duration: %s\n", FormatDuration(snap.Duration()))

	for _, msg := range snap.Transcript {
		fmt.Fprintf(&b, "\n%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

// RenderHTML renders the same content as Render as an HTML fragment.
// Raw HTML inside messages is dropped by goldmark's default renderer.
func RenderHTML(snap conversation.Snapshot, location string, tz *time.Location) (string, error) {
	if tz == nil {
		tz = time.UTC
	}
	if location == "" {
		location = UnknownLocation
	}

	var md strings.Builder
	fmt.Fprintf(&md, "- **IP:** %s\n", snap.RemoteAddress)
	fmt.Fprintf(&md, "- **Location:** %s\n", location)
	fmt.Fprintf(&md, "- **Start:** %s\n", snap.StartedAt.In(tz).Format(displayLayout))
	fmt.Fprintf(&md, "- **End:** %s\n", endOf(snap).In(tz).Format(displayLayout))
	fmt.Fprintf(&md, "- **Duration:** %s\n", FormatDuration(snap.Duration()))
	for _, msg := range snap.Transcript {
		fmt.Fprintf(&md, "\n**%s:** %s\n", msg.Role, msg.Content)
	}

	var out bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &out); err != nil {
		return "", fmt.Errorf("converting transcript: %w", err)
	}
	return out.String(), nil
}

// FormatDuration renders d as whole minutes and seconds, e.g. "5m 7s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%dm %ds", total/60, total%60)
}

func endOf(snap conversation.Snapshot) time.Time {
	if snap.EndedAt.IsZero() {
		return snap.LastActiveAt
	}
	return snap.EndedAt
}
