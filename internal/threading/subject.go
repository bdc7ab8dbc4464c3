package threading

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// NoSubject is the bucket every subjectless message normalizes to,
// regardless of sender.
const NoSubject = "no_subject"

var (
	replyPrefix = regexp.MustCompile(`(?i)^\s*(re|fw|fwd)\s*:\s*`)
	subjectTag  = regexp.MustCompile(`^\s*\[[^\]]*\]\s*`)
	threadIDRe  = regexp.MustCompile(`thread_[a-f0-9]{16}`)
)

// NormalizeSubject strips leading reply/forward prefixes and bracketed tags
// until none remain, collapses whitespace, trims trailing punctuation and
// lowercases.
func NormalizeSubject(subject string) string {
	s := strings.ToLower(subject)
	for {
		stripped := replyPrefix.ReplaceAllString(s, "")
		stripped = subjectTag.ReplaceAllString(stripped, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".,!?;:")
	if s == "" {
		return NoSubject
	}
	return s
}

// HashThreadID returns "thread_" plus the first 16 hex chars of sha256(v).
func HashThreadID(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "thread_" + hex.EncodeToString(sum[:])[:16]
}

func IsThreadID(v string) bool {
	return len(v) == len("thread_")+16 && threadIDRe.MatchString(v)
}

func findThreadID(refs []string) string {
	for _, ref := range refs {
		if m := threadIDRe.FindString(ref); m != "" {
			return m
		}
	}
	return ""
}
