package services

import (
	"strings"
	"unicode/utf8"
)

const maxTitleRunes = 50

// GenerateTitle derives a conversation title from the first user message.
// The result is deterministic and at most maxTitleRunes runes plus an
// ellipsis. It returns "" when content has nothing usable.
func GenerateTitle(content string) string {
	s := strings.Join(strings.Fields(content), " ")
	s = strings.TrimLeft(s, "#*>-_`~ ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if utf8.RuneCountInString(s) <= maxTitleRunes {
		return s
	}

	runes := []rune(s)
	cut := string(runes[:maxTitleRunes])
	if i := strings.LastIndexByte(cut, ' '); i >= len(cut)/2 {
		cut = cut[:i]
	}
	cut = strings.TrimRight(cut, " ,.;:!?-")
	return cut + "..."
}
