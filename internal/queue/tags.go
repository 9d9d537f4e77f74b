package queue

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// maxOutboundChars is the hard cap on outbound message text.
	maxOutboundChars = 4000
	// truncateToChars is where over-limit text is cut before the suffix.
	truncateToChars = 3900
	// truncationSuffix marks a truncated outbound message.
	truncationSuffix = "\n\n[Response truncated...]"
)

var (
	inboundFileTag  = regexp.MustCompile(`\[file:\s*([^\]]+)\]`)
	outboundFileTag = regexp.MustCompile(`\[send_file:\s*([^\]]+)\]`)
)

// NormalizeInbound reconciles the two file representations on a claimed
// message: [file: /abs/path] tags in the text and the files array. Tagged
// paths are merged into the array (insertion order, deduplicated) and tags
// are re-appended for array entries missing from the text, so both views
// agree.
func NormalizeInbound(m *IncomingMessage) {
	tagged := make(map[string]bool)
	for _, match := range inboundFileTag.FindAllStringSubmatch(m.Message, -1) {
		path := strings.TrimSpace(match[1])
		if !filepath.IsAbs(path) {
			continue
		}
		tagged[path] = true
		if !containsString(m.Files, path) {
			m.Files = append(m.Files, path)
		}
	}
	var missing []string
	for _, path := range m.Files {
		if !tagged[path] && filepath.IsAbs(path) {
			missing = append(missing, path)
		}
	}
	m.Files = dedupStrings(m.Files)
	for _, path := range missing {
		m.Message = m.Message + "\n[file: " + path + "]"
	}
}

// PrepareOutboundContent strips [send_file: /abs/path] tags from outbound
// text, collects the readable absolute paths, and truncates over-long text.
// Unreadable or non-absolute entries are dropped and reported via the drop
// callback (wired to security.log). The operation is idempotent on its own
// output.
func PrepareOutboundContent(text string, files []string, dropped func(path, reason string)) (string, []string) {
	collected := append([]string(nil), files...)

	text = outboundFileTag.ReplaceAllStringFunc(text, func(tag string) string {
		path := strings.TrimSpace(outboundFileTag.FindStringSubmatch(tag)[1])
		collected = append(collected, path)
		return ""
	})

	var valid []string
	for _, path := range collected {
		if !filepath.IsAbs(path) {
			if dropped != nil {
				dropped(path, "not absolute")
			}
			continue
		}
		if f, err := os.Open(path); err != nil {
			if dropped != nil {
				dropped(path, "unreadable")
			}
			continue
		} else {
			f.Close()
		}
		valid = append(valid, path)
	}
	valid = dedupStrings(valid)

	// The limits are character counts, not byte counts; cutting on a byte
	// offset could split a multi-byte rune.
	if utf8.RuneCountInString(text) > maxOutboundChars {
		runes := []rune(text)
		text = string(runes[:truncateToChars]) + truncationSuffix
	}
	return text, valid
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupStrings(list []string) []string {
	if len(list) < 2 {
		return list
	}
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, v := range list {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
