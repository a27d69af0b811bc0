package ses

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-graph-relay/internal/provider"
)

// LookupUser resolves address to an SES identity: the address itself if it
// is verified on its own, otherwise its domain.
func (c *Client) LookupUser(ctx context.Context, address string) (*provider.User, error) {
	out, err := c.getIdentity(ctx, address)
	if errors.Is(err, provider.ErrUserNotFound) {
		if _, domain, ok := strings.Cut(address, "@"); ok && domain != "" {
			out, err = c.getIdentity(ctx, domain)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ses.GetEmailIdentity %s: %w", address, err)
	}

	user := &provider.User{
		Mail:    address,
		CanSend: out.VerifiedForSendingStatus,
	}
	if !out.VerifiedForSendingStatus {
		user.Caveat = fmt.Sprintf("identity verification status is %s", out.VerificationStatus)
	}
	if mf := out.MailFromAttributes; mf != nil && aws.ToString(mf.MailFromDomain) != "" &&
		mf.MailFromDomainStatus != types.MailFromDomainStatusSuccess {
		user.Caveat = fmt.Sprintf("custom MAIL FROM domain %s is %s", aws.ToString(mf.MailFromDomain), mf.MailFromDomainStatus)
	}
	return user, nil
}

func (c *Client) getIdentity(ctx context.Context, identity string) (*sesv2.GetEmailIdentityOutput, error) {
	out, err := c.api.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{
		EmailIdentity: aws.String(identity),
	})
	if err != nil {
		var nf *types.NotFoundException
		if errors.As(err, &nf) {
			return nil, provider.ErrUserNotFound
		}
		return nil, classifyError("ses.GetEmailIdentity", err)
	}
	return out, nil
}
