// Package ses implements a Provider and a Directory backed by AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-graph-relay/internal/email"
	"github.com/shineum/smtp-graph-relay/internal/relay"
)

// Config holds the configuration for creating a Client.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Endpoint overrides the SES endpoint, e.g. for a local emulator.
	Endpoint string
}

// API is the subset of the SES v2 client used here.
// Used for testing with mock implementations.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetEmailIdentity(ctx context.Context, params *sesv2.GetEmailIdentityInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailIdentityOutput, error)
}

// Client sends emails via the AWS SES v2 API.
type Client struct {
	api API
}

// New creates a Client from the default AWS credential chain, or from the
// static keys in cfg when both are set. SDK retries are disabled; the
// dispatcher owns the retry policy.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &Client{api: api}, nil
}

// NewWithAPI creates a Client with a custom API implementation, used for testing.
func NewWithAPI(api API) *Client {
	return &Client{api: api}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "ses"
}

// Send makes one SendEmail call as msg.From. Messages with attachments or
// custom headers are sent as raw MIME; the rest use the simple format.
// Envelope destinations always come from msg.To, msg.Cc and msg.Bcc.
func (c *Client) Send(ctx context.Context, msg *email.Email) error {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 || len(msg.Headers) > 0 {
		raw, err := buildRawMessage(msg.From, msg)
		if err != nil {
			return relay.E(relay.KindPermanentDispatch, "ses.SendEmail", "failed to build raw message", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(msg.From),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(msg.From, msg)
	}

	if _, err := c.api.SendEmail(ctx, input); err != nil {
		return classifyError("ses.SendEmail", err)
	}
	return nil
}

func destination(msg *email.Email) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// buildSimpleInput creates a SES SendEmailInput for plain messages.
func buildSimpleInput(sender string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      destination(msg),
		ReplyToAddresses: msg.ReplyTo,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage renders msg as a multipart/mixed MIME message from
// sender. Bcc recipients are left out of the headers.
func buildRawMessage(sender string, msg *email.Email) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: sender}})
	if len(msg.To) > 0 {
		h.SetAddressList("To", addressList(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", addressList(msg.Cc))
	}
	if len(msg.ReplyTo) > 0 {
		h.SetAddressList("Reply-To", addressList(msg.ReplyTo))
	}
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.SetMessageID(strings.Trim(msg.MessageID, "<>"))
	}
	for _, hdr := range msg.Headers {
		h.Add(hdr.Name, hdr.Value)
	}
	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	switch {
	case msg.HtmlBody != "" && msg.TextBody != "":
		if err := writeAlternative(w, msg.TextBody, msg.HtmlBody); err != nil {
			return nil, err
		}
	case msg.HtmlBody != "":
		if err := writeTextPart(w, "text/html", msg.HtmlBody); err != nil {
			return nil, err
		}
	case msg.TextBody != "":
		if err := writeTextPart(w, "text/plain", msg.TextBody); err != nil {
			return nil, err
		}
	}

	for _, att := range msg.Attachments {
		var ph message.Header
		ph.SetContentType(att.ContentType, nil)
		ph.Set("Content-Transfer-Encoding", "base64")
		disposition := "attachment"
		if att.Inline {
			disposition = "inline"
		}
		ph.SetContentDisposition(disposition, map[string]string{"filename": att.Filename})
		if att.ContentID != "" {
			ph.Set("Content-Id", "<"+att.ContentID+">")
		}

		pw, err := w.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := pw.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeAlternative nests the text and HTML bodies in a
// multipart/alternative part, plain text first.
func writeAlternative(w *message.Writer, text, html string) error {
	var ph message.Header
	ph.SetContentType("multipart/alternative", nil)

	aw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create alternative part: %w", err)
	}
	if err := writeTextPart(aw, "text/plain", text); err != nil {
		return err
	}
	if err := writeTextPart(aw, "text/html", html); err != nil {
		return err
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("failed to close alternative part: %w", err)
	}
	return nil
}

func writeTextPart(w *message.Writer, mediaType, body string) error {
	var ph message.Header
	ph.SetContentType(mediaType, map[string]string{"charset": "UTF-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := pw.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}
	return pw.Close()
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// permanentCodes are SES error codes that will not succeed on retry.
var permanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"NotFoundException":                  true,
	"BadRequestException":                true,
	"AccessDeniedException":              true,
	"InvalidClientTokenId":               true,
	"UnrecognizedClientException":        true,
	"ValidationException":                true,
}

// transientCodes are SES error codes worth retrying.
var transientCodes = map[string]bool{
	"TooManyRequestsException": true,
	"LimitExceededException":   true,
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestTimeout":           true,
	"ServiceUnavailable":       true,
}

// classifyError maps an SDK error to the relay taxonomy. Errors without an
// API error code (network failures, timeouts) are transient.
func classifyError(op string, err error) *relay.Error {
	re := relay.E(relay.KindTransientDispatch, op, "", err)

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		re.StatusCode = respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return re
	}
	re.Msg = apiErr.ErrorCode()

	switch {
	case transientCodes[apiErr.ErrorCode()]:
	case permanentCodes[apiErr.ErrorCode()]:
		re.Kind = relay.KindPermanentDispatch
	case apiErr.ErrorFault() == smithy.FaultClient:
		re.Kind = relay.KindPermanentDispatch
	}
	return re
}
