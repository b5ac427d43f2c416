package parser

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a parsed RFC 5322 message
type Message struct {
	MessageID           string
	Subject             string
	From                Address
	Date                time.Time
	HTML                string
	Text                string
	ListUnsubscribe     string
	ListUnsubscribePost string
}

// Address represents an email address
type Address struct {
	Name    string
	Address string
}

var angleAddrRegex = regexp.MustCompile(`<([^<>@\s]+@[^<>\s]+)>`)

// ParseMessage parses a raw message into headers and text/html bodies
func ParseMessage(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}

	h := mr.Header
	msg := &Message{
		ListUnsubscribe:     strings.TrimSpace(h.Get("List-Unsubscribe")),
		ListUnsubscribePost: strings.TrimSpace(h.Get("List-Unsubscribe-Post")),
	}
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	msg.Date, _ = h.Date()
	msg.From = parseFrom(h)

	// Read parts
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// keep what was read so far
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		ct, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(ct, "text/html") && msg.HTML == "":
			msg.HTML = string(body)
		case (ct == "" || strings.HasPrefix(ct, "text/plain")) && msg.Text == "":
			msg.Text = string(body)
		}
	}

	return msg, nil
}

// parseFrom falls back to scanning the raw header when it is not RFC 5322 compliant
func parseFrom(h mail.Header) Address {
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		return Address{Name: list[0].Name, Address: strings.ToLower(list[0].Address)}
	}

	raw := h.Get("From")
	if m := angleAddrRegex.FindStringSubmatch(raw); m != nil {
		name := strings.Trim(strings.TrimSpace(raw[:strings.Index(raw, "<")]), `"`)
		return Address{Name: name, Address: strings.ToLower(m[1])}
	}
	return Address{Address: strings.ToLower(strings.TrimSpace(raw))}
}
