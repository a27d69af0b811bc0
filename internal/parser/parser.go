// Package parser turns the raw bytes received after DATA into an
// email.Email. MIME decoding, transfer encodings and charsets are handled
// by go-message.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-graph-relay/internal/email"
)

// ErrMissingBoundary is returned for a multipart message whose
// Content-Type has no boundary parameter.
var ErrMissingBoundary = errors.New("multipart message missing boundary")

// Parse parses a raw RFC 5322 email message into an Email struct.
// It handles plain text messages, multipart messages with text/html bodies,
// attachments and inline parts. Unrecognized MIME parts are logged as
// warnings and skipped.
func Parse(raw []byte) (*email.Email, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err != nil {
		slog.Warn("message uses an unknown charset or encoding, body kept as is", "error", err)
	}

	h := mail.Header{Header: ent.Header}
	result := &email.Email{
		RawHeaders: make(map[string][]string),
		MessageID:  h.Get("Message-Id"),
		To:         addressList(h, "To"),
		Cc:         addressList(h, "Cc"),
		Bcc:        addressList(h, "Bcc"),
		ReplyTo:    addressList(h, "Reply-To"),
		Raw:        raw,
	}

	fields := h.Fields()
	for fields.Next() {
		key := textproto.CanonicalMIMEHeaderKey(fields.Key())
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		result.RawHeaders[key] = append(result.RawHeaders[key], value)
		if strings.HasPrefix(key, "X-") {
			result.Headers = append(result.Headers, email.Header{Name: key, Value: value})
		}
	}

	if from := addressList(h, "From"); len(from) > 0 {
		result.From = from[0]
	}
	if subject, err := h.Subject(); err == nil {
		result.Subject = subject
	} else {
		result.Subject = h.Get("Subject")
	}

	mediaType, params, err := ent.Header.ContentType()
	if err != nil && h.Get("Content-Type") != "" {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", h.Get("Content-Type"),
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return nil, ErrMissingBoundary
		}
		if err := parseMultipart(ent, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := io.ReadAll(ent.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "", "text/plain":
		result.TextBody = string(body)
	case "text/html":
		result.HtmlBody = string(body)
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.TextBody = string(body)
	}

	return result, nil
}

// parseMultipart walks the parts of a multipart entity, extracting
// text/plain and text/html bodies, attachments and inline parts.
func parseMultipart(ent *message.Entity, result *email.Email) error {
	mr := ent.MultipartReader()
	if mr == nil {
		return nil
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		mediaType, params, err := part.Header.ContentType()
		if part.Header.Get("Content-Type") == "" {
			mediaType, err = "text/plain", nil
		}
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", part.Header.Get("Content-Type"),
				"error", err,
			)
			continue
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			if params["boundary"] == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		disposition, dispParams, _ := part.Header.ContentDisposition()
		contentID := strings.Trim(part.Header.Get("Content-Id"), "<> ")

		content, err := io.ReadAll(part.Body)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		switch {
		case disposition == "attachment":
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename(mediaType, params, dispParams),
				ContentType: mediaType,
				Content:     content,
			})
		case mediaType == "text/plain" && result.TextBody == "":
			result.TextBody = string(content)
		case mediaType == "text/html" && result.HtmlBody == "":
			result.HtmlBody = string(content)
		case disposition == "inline" || contentID != "":
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename(mediaType, params, dispParams),
				ContentType: mediaType,
				Content:     content,
				ContentID:   contentID,
				Inline:      true,
			})
		case dispParams["filename"] != "" || params["name"] != "":
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename(mediaType, params, dispParams),
				ContentType: mediaType,
				Content:     content,
			})
		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}
}

// filename picks the part's file name from Content-Disposition, then the
// Content-Type name parameter, and otherwise derives one from the media
// type. Graph requires every attachment to have a name.
func filename(mediaType string, params, dispParams map[string]string) string {
	if fn := dispParams["filename"]; fn != "" {
		return fn
	}
	if name := params["name"]; name != "" {
		return name
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addressList returns the bare addresses of a header field, falling back to
// a comma split when the field is not valid RFC 5322.
func addressList(h mail.Header, key string) []string {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	addresses, err := h.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
