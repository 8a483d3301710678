package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SortPair returns the pair in ascending order.
func SortPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// ConversationID derives the id of the two-party conversation between a and b.
// The id does not depend on argument order.
func ConversationID(a, b string) string {
	lo, hi := SortPair(a, b)
	h := sha256.New()
	h.Write([]byte(lo))
	h.Write([]byte{0})
	h.Write([]byte(hi))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// PairKey is the unique key of an unordered user pair.
func PairKey(a, b string) string {
	lo, hi := SortPair(a, b)
	return lo + "\x00" + hi
}

// KindFromMIME maps a media MIME type to message kind.
// Example: image/png => image, application/pdf => file.
func KindFromMIME(mime string) MessageKind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	}
	return KindFile
}

func snapshotOf(m *Message) *Snapshot {
	return &Snapshot{
		Seq:       m.Seq,
		SenderID:  m.SenderID,
		Kind:      m.Kind,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
