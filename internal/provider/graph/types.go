package graph

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/shineum/smtp-graph-relay/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject                string            `json:"subject"`
	Body                   messageBody       `json:"body"`
	ToRecipients           []recipient       `json:"toRecipients"`
	CcRecipients           []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients          []recipient       `json:"bccRecipients,omitempty"`
	ReplyTo                []recipient       `json:"replyTo,omitempty"`
	InternetMessageHeaders []messageHeader   `json:"internetMessageHeaders,omitempty"`
	Attachments            []graphAttachment `json:"attachments,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Address string `json:"address"`
}

type messageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// graphUser is the subset of the user resource read at startup.
type graphUser struct {
	DisplayName     string           `json:"displayName"`
	Mail            string           `json:"mail"`
	MailboxSettings *json.RawMessage `json:"mailboxSettings"`
}

// maxInternetMessageHeaders is the number of custom headers Graph accepts
// on one message.
const maxInternetMessageHeaders = 5

// buildSendMailRequest converts an email.Email into a Graph API sendMail request body.
func buildSendMailRequest(msg *email.Email, saveToSentItems bool) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.TextBody,
	}
	if msg.HtmlBody != "" {
		body.ContentType = "html"
		body.Content = msg.HtmlBody
	}

	var headers []messageHeader
	for _, h := range msg.Headers {
		// Graph rejects custom headers that are not X- prefixed.
		if !strings.HasPrefix(strings.ToLower(h.Name), "x-") {
			continue
		}
		if len(headers) == maxInternetMessageHeaders {
			break
		}
		headers = append(headers, messageHeader{Name: h.Name, Value: h.Value})
	}

	attachments := make([]graphAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			ContentID:    att.ContentID,
			IsInline:     att.Inline,
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:                msg.Subject,
			Body:                   body,
			ToRecipients:           recipients(msg.To),
			CcRecipients:           recipients(msg.Cc),
			BccRecipients:          recipients(msg.Bcc),
			ReplyTo:                recipients(msg.ReplyTo),
			InternetMessageHeaders: headers,
			Attachments:            attachments,
		},
		SaveToSentItems: saveToSentItems,
	}
}

func recipients(addrs []string) []recipient {
	out := make([]recipient, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return out
}
