// Package twiliowhatsapp wraps the Twilio API as an alternate WhatsApp
// channel adapter.
//
// Twilio cannot accept raw media bytes, so media jobs are sent by URL: the
// client is configured with a public base URL under which the migration's
// media files are hosted, and each media send references the file by name.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/wamigrate/wamigrate/internal/messaging"
)

// messageCreator is the slice of the Twilio REST API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID   string
	AuthToken    string
	FromWhats    string // WhatsApp number in "whatsapp:+1234567890" format
	MediaBaseURL string // public base URL serving the migration's media files
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithMediaBaseURL sets the public base URL media sends reference.
func WithMediaBaseURL(base string) Option {
	return func(o *Opts) { o.MediaBaseURL = base }
}

// Client implements messaging.Sender over the Twilio REST API.
type Client struct {
	api          messageCreator
	fromWhats    string
	mediaBaseURL string
}

// NewClient builds a Twilio-backed sender. Credentials fall back to the
// standard TWILIO_* environment variables when not set via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"MediaBaseURL_set", cfg.MediaBaseURL != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	rest := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		api:          rest.Api,
		fromWhats:    cfg.FromWhats,
		mediaBaseURL: strings.TrimRight(cfg.MediaBaseURL, "/"),
	}, nil
}

// ValidateAndCanonicalizeRecipient normalizes a destination to E.164 form.
func (c *Client) ValidateAndCanonicalizeRecipient(destination string) (string, error) {
	dest := strings.TrimSpace(destination)
	dest = strings.TrimPrefix(dest, "whatsapp:")
	if dest == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	digits := strings.TrimPrefix(dest, "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("destination %q is not a phone number", destination)
		}
	}
	return "+" + digits, nil
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, destination, text string) (string, error) {
	const op = "send text"
	if text == "" {
		return "", messaging.JobError(op, fmt.Errorf("message body cannot be empty"))
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + destination)
	params.SetFrom(c.fromWhats)
	params.SetBody(text)
	return c.create(op, destination, params)
}

// Twilio fetches media itself and takes the content type from the hosting
// server's response, so the declared media type is not forwarded.

// SendImage delivers an image by public URL with an optional caption.
func (c *Client) SendImage(ctx context.Context, destination, mediaPath, _, caption string) (string, error) {
	return c.sendMedia(ctx, "send image", destination, mediaPath, caption)
}

// SendVideo delivers a video by public URL with an optional caption.
func (c *Client) SendVideo(ctx context.Context, destination, mediaPath, _, caption string) (string, error) {
	return c.sendMedia(ctx, "send video", destination, mediaPath, caption)
}

// SendAudio delivers an audio clip by public URL. Captions are not
// supported for audio and are ignored.
func (c *Client) SendAudio(ctx context.Context, destination, mediaPath, _, caption string) (string, error) {
	return c.sendMedia(ctx, "send audio", destination, mediaPath, "")
}

// SendDocument delivers a file by public URL with an optional caption.
func (c *Client) SendDocument(ctx context.Context, destination, mediaPath, _, caption string) (string, error) {
	return c.sendMedia(ctx, "send document", destination, mediaPath, caption)
}

// Close is a no-op; the Twilio REST client holds no connection state.
func (c *Client) Close() error {
	return nil
}

func (c *Client) sendMedia(_ context.Context, op, destination, mediaPath, caption string) (string, error) {
	url, err := c.mediaURL(mediaPath)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + destination)
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{url})
	if caption != "" {
		params.SetBody(caption)
	}
	return c.create(op, destination, params)
}

// mediaURL maps a local media file onto the configured public base URL.
func (c *Client) mediaURL(mediaPath string) (string, error) {
	if mediaPath == "" {
		return "", fmt.Errorf("media path cannot be empty")
	}
	if c.mediaBaseURL == "" {
		return "", fmt.Errorf("media base URL not configured; cannot deliver media over Twilio")
	}
	return c.mediaBaseURL + "/" + filepath.Base(mediaPath), nil
}

func (c *Client) create(op, destination string, params *twilioApi.CreateMessageParams) (string, error) {
	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "op", op, "to", destination, "error", err)
		return "", classify(op, err)
	}
	sid := ""
	if msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "op", op, "to", destination, "sid", sid)
	return sid, nil
}

// classify maps Twilio failures onto the sender error scopes: API rejections
// of the individual message (4xx) fault the job, while server errors and
// transport failures fault the connection.
func classify(op string, err error) error {
	var restErr *twilioClient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status >= 500 {
			return messaging.ConnectionError(op, err)
		}
		return messaging.JobError(op, err)
	}
	return messaging.ConnectionError(op, err)
}
