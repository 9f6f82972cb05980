package session

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/utf7"

	"github.com/nugget/mailsync/internal/uidwindow"
)

// labelsItem is Gmail's per-message label list.
const labelsItem imap.FetchItem = "X-GM-LABELS"

// SelectData is what the server reports when a mailbox is opened.
type SelectData struct {
	Name        string
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
	ReadOnly    bool
}

// Select opens a mailbox. readOnly issues EXAMINE, which never changes
// flags as a side effect.
func (s *Session) Select(ctx context.Context, name string, readOnly bool) (SelectData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.clientLocked(ctx, "select")
	if err != nil {
		return SelectData{}, err
	}

	status, err := c.Select(name, readOnly)
	if err != nil {
		s.selected = ""
		return SelectData{}, commandErr(c, "select", fmt.Errorf("select %s: %w", name, err))
	}
	s.selected = name
	s.readOnly = readOnly

	s.logger.Debug("IMAP mailbox selected",
		"mailbox", name,
		"read_only", readOnly,
		"uid_validity", status.UidValidity,
		"messages", status.Messages,
	)

	return SelectData{
		Name:        name,
		UIDValidity: status.UidValidity,
		UIDNext:     status.UidNext,
		Messages:    status.Messages,
		ReadOnly:    readOnly,
	}, nil
}

// Search returns the UIDs in r, or every UID for the zero Range. The
// result is exactly what the server returned; see uidwindow.FilterNew
// for the "n:*" caveat.
func (s *Session) Search(ctx context.Context, r uidwindow.Range) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.clientLocked(ctx, "search")
	if err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	if !r.All() {
		set := new(imap.SeqSet)
		set.AddRange(r.Start, r.Stop)
		criteria.Uid = set
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, commandErr(c, "search", fmt.Errorf("uid search %s in %s: %w", r, s.selected, err))
	}
	return uids, nil
}

// Fields selects what Fetch retrieves beyond UID and FLAGS.
type Fields struct {
	// Content fetches the full raw message with BODY.PEEK[], which
	// does not set \Seen.
	Content bool
}

// Descriptor is the fetched state of one message.
type Descriptor struct {
	UID     uint32
	Flags   []string
	Labels  []string
	Content []byte
}

// HasFlag reports whether the message carries flag (case-insensitive).
func (d Descriptor) HasFlag(flag string) bool {
	for _, f := range d.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// HasLabel reports whether the message carries label. System labels
// such as \Inbox compare case-insensitively.
func (d Descriptor) HasLabel(label string) bool {
	for _, l := range d.Labels {
		if l == label || (strings.HasPrefix(l, `\`) && strings.EqualFold(l, label)) {
			return true
		}
	}
	return false
}

// Fetch retrieves descriptors for uids in server order. Labels are
// only requested when the server supports them.
func (s *Session) Fetch(ctx context.Context, uids []uint32, fields Fields) ([]Descriptor, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.clientLocked(ctx, "fetch")
	if err != nil {
		return nil, err
	}

	set := new(imap.SeqSet)
	set.AddNum(uids...)

	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags}
	if s.variant.GmailLabels {
		items = append(items, labelsItem)
	}
	section := &imap.BodySectionName{Peek: true}
	if fields.Content {
		items = append(items, section.FetchItem())
	}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(set, items, ch)
	}()

	var out []Descriptor
	var parseErr error
	for msg := range ch {
		d := Descriptor{UID: msg.Uid, Flags: msg.Flags}

		if raw, ok := msg.Items[labelsItem]; ok && raw != nil {
			list, err := imap.ParseStringList(raw)
			if err != nil && parseErr == nil {
				parseErr = fmt.Errorf("parse labels for uid %d: %w", msg.Uid, err)
			}
			d.Labels = decodeLabels(list)
		}

		if fields.Content {
			if body := msg.GetBody(section); body != nil {
				b, err := io.ReadAll(body)
				if err != nil && parseErr == nil {
					parseErr = fmt.Errorf("read body for uid %d: %w", msg.Uid, err)
				}
				d.Content = b
			}
		}

		out = append(out, d)
	}

	if err := <-done; err != nil {
		return nil, commandErr(c, "fetch", fmt.Errorf("uid fetch in %s: %w", s.selected, err))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("imap fetch: %w", parseErr)
	}

	s.logger.Debug("IMAP fetch complete",
		"mailbox", s.selected,
		"requested", len(uids),
		"returned", len(out),
		"content", fields.Content,
	)
	return out, nil
}

// Item is the attribute a Store changes.
type Item int

const (
	// ItemFlags stores IMAP flags.
	ItemFlags Item = iota
	// ItemLabels stores Gmail labels.
	ItemLabels
)

func (i Item) String() string {
	if i == ItemLabels {
		return "labels"
	}
	return "flags"
}

// Op is the direction of a Store.
type Op int

const (
	// OpAdd adds values to the message.
	OpAdd Op = iota
	// OpRemove removes values from the message.
	OpRemove
)

func (o Op) String() string {
	if o == OpRemove {
		return "-"
	}
	return "+"
}

// Store adds or removes flags or labels on one message. The mailbox
// must be selected read-write. Empty values are a no-op.
func (s *Session) Store(ctx context.Context, uid uint32, item Item, op Op, values []string) error {
	if len(values) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.clientLocked(ctx, "store")
	if err != nil {
		return err
	}
	if s.readOnly {
		return fmt.Errorf("imap store: mailbox %s is selected read-only", s.selected)
	}

	set := new(imap.SeqSet)
	set.AddNum(uid)

	var storeItem imap.StoreItem
	args := make([]interface{}, len(values))
	switch item {
	case ItemLabels:
		if !s.variant.GmailLabels {
			return ErrLabelsUnsupported
		}
		storeItem = imap.StoreItem(op.String() + string(labelsItem))
		for i, v := range values {
			enc, err := utf7.Encoding.NewEncoder().String(v)
			if err != nil {
				return fmt.Errorf("encode label %q: %w", v, err)
			}
			args[i] = imap.RawString(quoteLabel(enc))
		}
	default:
		var flagsOp imap.FlagsOp = imap.AddFlags
		if op == OpRemove {
			flagsOp = imap.RemoveFlags
		}
		storeItem = imap.FormatFlagsOp(flagsOp, true)
		for i, v := range values {
			args[i] = v
		}
	}

	// A nil channel discards the server's echo of the new values.
	if err := c.UidStore(set, storeItem, args, nil); err != nil {
		return commandErr(c, "store", fmt.Errorf("uid store %d %s %v: %w", uid, storeItem, values, err))
	}

	s.logger.Debug("IMAP store",
		"mailbox", s.selected,
		"uid", uid,
		"item", item.String(),
		"op", op.String(),
		"values", values,
	)
	return nil
}

// decodeLabels converts labels from modified UTF-7, the encoding
// Gmail uses on the wire. LIST names arrive already decoded, so this
// keeps fetched labels comparable with the session map.
func decodeLabels(raw []string) []string {
	out := make([]string, len(raw))
	for i, l := range raw {
		dec, err := utf7.Encoding.NewDecoder().String(l)
		if err != nil {
			dec = l
		}
		out[i] = dec
	}
	return out
}

// quoteLabel renders a label as an atom when it is safe to, and as a
// quoted string otherwise. System labels like \Inbox are quoted.
func quoteLabel(label string) string {
	if label != "" && !needsQuoting(label) {
		return label
	}
	var b strings.Builder
	b.Grow(len(label) + 2)
	b.WriteByte('"')
	for i := 0; i < len(label); i++ {
		ch := label[i]
		if ch == '"' || ch == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(ch)
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(s string) bool {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch <= 0x20 || ch >= 0x7f {
			return true
		}
		if strings.IndexByte(`(){%*"\]`, ch) >= 0 {
			return true
		}
	}
	return false
}
