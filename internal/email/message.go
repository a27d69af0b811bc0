// Package email defines the message model shared by the parser, the
// dispatcher and the mail API backends.
package email

// Email represents a parsed email message with all its components.
//
// From is the sender of record the backend sends as. The parser fills it
// from the header; the dispatcher overwrites it with the relay identity
// before handing the message to a backend.
type Email struct {
	From        string
	ReplyTo     []string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string

	// Headers are custom X- headers forwarded to the mail API.
	Headers []Header

	// Raw is the message as received after DATA, for backends that send
	// MIME content unchanged.
	Raw []byte
}

// Header is a single name/value header line.
type Header struct {
	Name  string
	Value string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte

	// ContentID is set for inline parts referenced from the HTML body
	// via cid: URLs.
	ContentID string
	Inline    bool
}
