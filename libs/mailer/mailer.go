// Package mailer sends e-mail through a pluggable provider.
package mailer

import (
	"context"
	"errors"
)

var (
	ErrNoRecipients = errors.New("mailer: message has no recipients")
	ErrNoBody       = errors.New("mailer: message has no body")
)

// Attachment is a file sent along with a message.
type Attachment struct {
	Filename string
	Content  []byte
}

// Message is one e-mail.
type Message struct {
	From        string
	To          []string
	ReplyTo     string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

// Validate checks the parts every provider needs.
func (m Message) Validate() error {
	if len(m.To) == 0 {
		return ErrNoRecipients
	}
	if m.HTML == "" && m.Text == "" {
		return ErrNoBody
	}
	return nil
}

// SendResult contains the response from the provider.
type SendResult struct {
	ProviderMessageID string
}

// Provider sends messages through one backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// Mailer fills in the default sender and validates messages before handing
// them to the provider.
type Mailer struct {
	provider    Provider
	fromAddress string
}

// New creates a Mailer with the given provider and default sender address.
func New(provider Provider, fromAddress string) *Mailer {
	return &Mailer{provider: provider, fromAddress: fromAddress}
}

// Send delivers msg. An empty From uses the default sender.
func (m *Mailer) Send(ctx context.Context, msg Message) (SendResult, error) {
	if msg.From == "" {
		msg.From = m.fromAddress
	}
	if err := msg.Validate(); err != nil {
		return SendResult{}, err
	}
	return m.provider.Send(ctx, msg)
}

// ProviderName returns the name of the configured provider.
func (m *Mailer) ProviderName() string {
	return m.provider.Name()
}
