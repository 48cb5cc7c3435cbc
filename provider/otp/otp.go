// Package otp is the email/phone "resend-otp"-style provider (spec §4.1
// step 3, §8 scenario 2): it issues a short numeric code through
// verifycode.Store and delivers it via a caller-supplied sender function.
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/fluxauth/core/provider"
	"github.com/fluxauth/core/storage"
	"github.com/fluxauth/core/verifycode"
)

const DefaultMaxAge = 20 * 60 // 20 minutes, in seconds

// SendFunc delivers a code to an identifier (email address or phone number).
type SendFunc func(ctx context.Context, req provider.DeliveryRequest) error

// Provider implements provider.OTPProvider.
type Provider struct {
	IDValue  string
	Kind     provider.Type // TypeEmail or TypePhone
	Send     SendFunc
	MaxAgeS  int
	CodeLen  int
}

// New builds a Provider. kind must be provider.TypeEmail or provider.TypePhone.
func New(id string, kind provider.Type, send SendFunc) *Provider {
	return &Provider{IDValue: id, Kind: kind, Send: send, MaxAgeS: DefaultMaxAge, CodeLen: 6}
}

var _ provider.OTPProvider = (*Provider)(nil)

func (p *Provider) ID() string           { return p.IDValue }
func (p *Provider) Type() provider.Type  { return p.Kind }
func (p *Provider) MaxAge() int          { return p.MaxAgeS }

// GenerateVerificationToken returns "" to defer to the default numeric code
// generator (spec §6: "optional generateVerificationToken()").
func (p *Provider) GenerateVerificationToken() string { return "" }

// NormalizeIdentifier lower-cases email addresses (spec §4.5: "emails are
// case-insensitive for identification") and passes phone numbers through.
func (p *Provider) NormalizeIdentifier(raw string) string {
	if p.Kind == provider.TypeEmail {
		return strings.ToLower(raw)
	}
	return raw
}

func (p *Provider) SendVerificationRequest(ctx context.Context, req provider.DeliveryRequest) error {
	return p.Send(ctx, req)
}

// GenerateCode produces a random decimal code of p.CodeLen digits.
func (p *Provider) GenerateCode() (string, error) {
	if custom := p.GenerateVerificationToken(); custom != "" {
		return custom, nil
	}
	max := big.NewInt(1)
	for i := 0; i < p.CodeLen; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", p.CodeLen, n), nil
}

// Issue generates and delivers a fresh code for accountID, identified by
// identifier (already normalized by NormalizeIdentifier).
func (p *Provider) Issue(ctx context.Context, st storage.Store, codes *verifycode.Store, accountID, identifier string) error {
	code, err := p.GenerateCode()
	if err != nil {
		return err
	}

	expiry := time.Now().Add(time.Duration(p.MaxAgeS) * time.Second)
	req := verifycode.IssueRequest{
		AccountID: accountID,
		Provider:  p.IDValue,
		CodeMaterial: code,
		Expiry:       expiry,
	}
	if p.Kind == provider.TypeEmail {
		req.EmailToVerify = identifier
	} else {
		req.PhoneToVerify = identifier
	}
	if _, err := codes.Issue(ctx, st, req); err != nil {
		return err
	}

	return p.Send(ctx, provider.DeliveryRequest{
		Identifier: identifier,
		Token:      code,
		MaxAge:     p.MaxAgeS,
	})
}
