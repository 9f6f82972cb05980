// Package labels translates between server-side mailbox labels and
// local thread tags.
//
// A tag is the cleaned, lower-case form of a label with any vendor
// folder prefix removed. Three catch-all names (all-mail, inbox and
// sent) never become tags. The per-session [Map] is built once from
// the server's mailbox list and is read-only afterwards.
package labels

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Well-known label and flag names.
const (
	// InboxLabel is the Gmail system label that keeps a message in
	// the inbox. Its absence means the message is archived.
	InboxLabel = `\Inbox`
	// ImportantLabel is the Gmail system label behind the synthetic
	// "important" tag.
	ImportantLabel = `\Important`
	// SeenFlag is the IMAP read flag.
	SeenFlag = `\Seen`

	// SeenTag mirrors SeenFlag.
	SeenTag = "seen"
	// ImportantTag mirrors ImportantLabel.
	ImportantTag = "important"
)

// DefaultMaxTagLength is the tag length used when a Mapper has no
// explicit limit.
const DefaultMaxTagLength = 20

// vendorPrefixes are folder prefixes that carry no meaning as tags.
var vendorPrefixes = []string{"[Gmail]/", "[Google Mail]/"}

// systemLabels maps RFC 6154 special-use attributes to the system
// label X-GM-LABELS reports for messages in that mailbox.
var systemLabels = map[string]string{
	`\Flagged`:   `\Starred`,
	`\Drafts`:    `\Draft`,
	`\Sent`:      `\Sent`,
	`\Important`: ImportantLabel,
}

// SystemLabel returns the label a listed mailbox goes by in
// X-GM-LABELS. Vendor-prefixed special-use folders such as
// "[Gmail]/Starred" are reported as system labels (\Starred); every
// other mailbox keeps its name.
func SystemLabel(name string, attrs []string) string {
	prefixed := false
	for _, p := range vendorPrefixes {
		if strings.HasPrefix(name, p) {
			prefixed = true
			break
		}
	}
	if !prefixed {
		return name
	}
	for _, a := range attrs {
		for attr, label := range systemLabels {
			if strings.EqualFold(a, attr) {
				return label
			}
		}
	}
	return name
}

// reserved tags are never produced by ToTag.
var reserved = map[string]bool{
	"all-mail": true,
	"inbox":    true,
	"sent":     true,
}

// filterChars are removed from tags entirely.
const filterChars = "/?#[]@!$&'()*+,;=.%\\`^|{}\"<>"

// Overrides are merged into every extracted Map after the natural
// mappings, replacing any natural entry for the same tag.
var Overrides = map[string]string{
	ImportantTag: ImportantLabel,
}

// CleanTag normalizes s into a tag. Whitespace runs become a single
// dash, unsafe characters are dropped, and the result is cut to
// maxLen runes (DefaultMaxTagLength when maxLen <= 0). The result may
// be empty.
func CleanTag(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxTagLength
	}

	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte('-')
			}
			inSpace = true
			continue
		}
		inSpace = false

		if strings.ContainsRune(filterChars, r) {
			continue
		}
		if !isWordOrPunct(r) {
			continue
		}
		b.WriteRune(r)
	}

	out := squeezeDashes(b.String())
	if utf8.RuneCountInString(out) > maxLen {
		out = string([]rune(out)[:maxLen])
	}
	return out
}

func isWordOrPunct(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || unicode.IsPunct(r)
}

func squeezeDashes(s string) string {
	if !strings.Contains(s, "--") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prevDash := false
	for _, r := range s {
		if r == '-' {
			if prevDash {
				continue
			}
			prevDash = true
		} else {
			prevDash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TagToFlag returns the IMAP flag for a tag. Only the seen tag has one.
func TagToFlag(tag string) (string, bool) {
	if tag == SeenTag {
		return SeenFlag, true
	}
	return "", false
}

// FlagToTag returns the tag for an IMAP flag. Only \Seen has one.
func FlagToTag(flag string) (string, bool) {
	if strings.EqualFold(flag, SeenFlag) {
		return SeenTag, true
	}
	return "", false
}

// Mapper converts labels to tags.
type Mapper struct {
	// MaxTagLength caps tag length in runes. Zero means
	// DefaultMaxTagLength.
	MaxTagLength int
}

// ToTag strips a vendor prefix from label and cleans it. It returns
// false when the result is blank or one of the reserved catch-all
// names.
func (m Mapper) ToTag(label string) (string, bool) {
	for _, p := range vendorPrefixes {
		if strings.HasPrefix(label, p) {
			label = strings.TrimPrefix(label, p)
			break
		}
	}

	tag := CleanTag(label, m.MaxTagLength)
	if tag == "" || reserved[tag] {
		return "", false
	}
	return tag, true
}

// Extract builds the session Map from the server's mailbox names.
//
// Natural mappings come first and the first name wins for any tag.
// Overrides are then merged on top, so the important tag always maps
// to ImportantLabel whatever the server's mailbox list contains.
func (m Mapper) Extract(mailboxNames []string) *Map {
	natural := make(map[string]string, len(mailboxNames)+len(Overrides))
	for _, name := range mailboxNames {
		tag, ok := m.ToTag(name)
		if !ok {
			continue
		}
		if _, dup := natural[tag]; dup {
			continue
		}
		natural[tag] = name
	}

	for tag, label := range Overrides {
		natural[tag] = label
	}

	return newMap(natural)
}

// Map is the bidirectional tag/label table for one session.
type Map struct {
	toLabel map[string]string
	toTag   map[string]string
}

func newMap(tagToLabel map[string]string) *Map {
	m := &Map{
		toLabel: tagToLabel,
		toTag:   make(map[string]string, len(tagToLabel)),
	}
	for tag, label := range tagToLabel {
		m.toTag[label] = tag
	}
	return m
}

// NewMap builds a Map directly from a tag to label table. Entries in
// Overrides are applied on top.
func NewMap(tagToLabel map[string]string) *Map {
	cp := make(map[string]string, len(tagToLabel)+len(Overrides))
	for k, v := range tagToLabel {
		cp[k] = v
	}
	for k, v := range Overrides {
		cp[k] = v
	}
	return newMap(cp)
}

// TagToLabel returns the server label for tag. Tags with no label
// return false and are dropped by callers.
func (m *Map) TagToLabel(tag string) (string, bool) {
	if m == nil {
		return "", false
	}
	label, ok := m.toLabel[tag]
	return label, ok
}

// LabelToTag returns the tag a label was mapped to in this session.
func (m *Map) LabelToTag(label string) (string, bool) {
	if m == nil {
		return "", false
	}
	tag, ok := m.toTag[label]
	return tag, ok
}

// Labels returns every mapped label, sorted. This is the label domain
// the engine is allowed to add or remove on the server.
func (m *Map) Labels() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.toLabel))
	for _, label := range m.toLabel {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of mappings.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.toLabel)
}
