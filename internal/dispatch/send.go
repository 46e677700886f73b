package dispatch

import (
	"context"
	"regexp"

	"groupcast/internal/channel"
)

// urlPattern is intentionally loose: the goal is to pick the right call
// shape, not to validate URLs. A false positive costs one preview request.
var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// HasURL reports whether the message text contains something link-shaped.
func HasURL(text string) bool {
	return urlPattern.MatchString(text)
}

// send chooses the call shape based on content: messages carrying a URL are
// sent with link-preview expansion so the destination renders a preview;
// plain text goes through the plain path.
func send(ctx context.Context, ch channel.Channel, groupID, text string) error {
	return ch.Send(ctx, groupID, text, &channel.SendOptions{LinkPreview: HasURL(text)})
}
