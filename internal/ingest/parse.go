package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// maxBodySize caps the text body kept for a message.
const maxBodySize = 32 * 1024

// parsed is the subset of an RFC 5322 message the thread store keeps.
type parsed struct {
	MessageID  string
	Subject    string
	From       string
	Date       time.Time
	InReplyTo  []string
	References []string
	Body       string
}

// refs returns In-Reply-To followed by References, without duplicates.
func (p parsed) refs() []string {
	seen := make(map[string]bool, len(p.InReplyTo)+len(p.References))
	var out []string
	for _, list := range [][]string{p.InReplyTo, p.References} {
		for _, id := range list {
			if id == "" || id == p.MessageID || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// parseMessage extracts headers and a readable text body from raw.
//
// mail.CreateReader and NextPart may return a usable value together
// with an unknown-charset error. Those are logged and parsing
// continues.
func parseMessage(raw []byte, logger *slog.Logger) (parsed, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return parsed{}, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return parsed{}, fmt.Errorf("create mail reader: %w", err)
	}
	if err != nil {
		logger.Debug("mail reader created with charset warning", "error", err)
	}
	defer mr.Close()

	var p parsed
	h := mr.Header

	p.MessageID, _ = h.MessageID()
	if p.MessageID == "" {
		sum := sha256.Sum256(raw)
		p.MessageID = "sha256:" + hex.EncodeToString(sum[:])
	}
	p.Subject, _ = h.Subject()
	p.Date, _ = h.Date()
	p.InReplyTo, _ = h.MsgIDList("In-Reply-To")
	p.References, _ = h.MsgIDList("References")
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.From = from[0].Address
	}

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return p, fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := ih.ContentType()

		switch {
		case contentType == "text/plain" && textBody == "":
			textBody = readPart(part.Body, logger)
		case contentType == "text/html" && htmlBody == "":
			htmlBody = readPart(part.Body, logger)
		}
	}

	switch {
	case textBody != "":
		p.Body = textBody
	case htmlBody != "":
		p.Body = htmlToText(htmlBody)
	}
	return p, nil
}

func readPart(r io.Reader, logger *slog.Logger) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		logger.Debug("error reading message part", "error", err)
	}
	if len(body) > maxBodySize {
		body = body[:maxBodySize]
	}
	return strings.TrimSpace(string(body))
}
