// Package whatsapp wraps the Whatsmeow client as a wamigrate channel adapter.
//
// It provides login handling and the five send capabilities the delivery
// executor dispatches on, with failures classified as job-scoped or
// connection-scoped.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/wamigrate/wamigrate/internal/ledger"
	"github.com/wamigrate/wamigrate/internal/messaging"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSessionPath is the default path for the whatsmeow session database.
	DefaultSessionPath = "/var/lib/wamigrate/session.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	SessionDSN  string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithSessionDSN sets the whatsmeow session database connection string.
func WithSessionDSN(dsn string) Option {
	return func(o *Opts) {
		o.SessionDSN = dsn
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the client to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client implements messaging.Sender over a Whatsmeow session.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates and connects a WhatsApp client, running the QR or
// numeric-code login flow if no session exists yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := cfg.SessionDSN
	if dsn == "" {
		dsn = DefaultSessionPath
		slog.Debug("WhatsApp NewClient: no session DSN provided, using default", "path", dsn)
	}

	driver := ledger.DetectDSNType(dsn)
	if driver == "sqlite3" && !strings.Contains(dsn, "foreign_keys") {
		// whatsmeow strongly recommends foreign keys on its SQLite store.
		dsn = "file:" + dsn + "?_foreign_keys=on"
	}

	dbLog := waLog.Stdout("Database", "INFO", true)
	container, err := sqlstore.New(ctx, driver, dsn, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp session store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting login flow")
		qrChan, _ := waClient.GetQRChannel(ctx)
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp session found, connecting")
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	slog.Info("WhatsApp client connected")
	return &Client{waClient: waClient}, nil
}

// ValidateAndCanonicalizeRecipient accepts either a bare phone number
// (digits, optional leading +) or a full JID such as a group id.
func (c *Client) ValidateAndCanonicalizeRecipient(destination string) (string, error) {
	dest := strings.TrimSpace(destination)
	if dest == "" {
		return "", fmt.Errorf("destination cannot be empty")
	}
	if strings.Contains(dest, "@") {
		jid, err := types.ParseJID(dest)
		if err != nil {
			return "", fmt.Errorf("invalid destination JID %q: %w", dest, err)
		}
		return jid.String(), nil
	}
	dest = strings.TrimPrefix(dest, "+")
	for _, r := range dest {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("destination %q is not a phone number or JID", destination)
		}
	}
	return dest, nil
}

func (c *Client) resolveJID(destination string) (types.JID, error) {
	if strings.Contains(destination, "@") {
		return types.ParseJID(destination)
	}
	return types.NewJID(destination, JIDSuffix), nil
}

// precheck classifies session problems before a send is attempted.
func (c *Client) precheck(op string) error {
	if c.waClient == nil {
		return messaging.ConnectionError(op, fmt.Errorf("whatsapp client not initialized"))
	}
	if !c.waClient.IsConnected() {
		return messaging.ConnectionError(op, fmt.Errorf("whatsapp client is not connected"))
	}
	if !c.waClient.IsLoggedIn() {
		return messaging.ConnectionError(op, fmt.Errorf("whatsapp session is not logged in"))
	}
	return nil
}

// classify tags a post-send failure: if the session dropped it is
// connection-scoped, otherwise the job alone is at fault.
func (c *Client) classify(op string, err error) error {
	if !c.waClient.IsConnected() || !c.waClient.IsLoggedIn() {
		return messaging.ConnectionError(op, err)
	}
	return messaging.JobError(op, err)
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, destination, text string) (string, error) {
	const op = "send text"
	if err := c.precheck(op); err != nil {
		return "", err
	}
	if text == "" {
		return "", messaging.JobError(op, fmt.Errorf("message body cannot be empty"))
	}
	jid, err := c.resolveJID(destination)
	if err != nil {
		return "", messaging.JobError(op, err)
	}

	msg := &waE2E.Message{Conversation: &text}
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", c.classify(op, err)
	}
	slog.Debug("WhatsApp text sent", "to", jid.String(), "message_id", resp.ID)
	return resp.ID, nil
}

// SendImage uploads and delivers an image with an optional caption.
func (c *Client) SendImage(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	const op = "send image"
	if err := c.precheck(op); err != nil {
		return "", err
	}
	data, mimeType, err := readMedia(mediaPath, mediaType)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	jid, err := c.resolveJID(destination)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return "", c.classify(op, err)
	}

	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       optionalString(caption),
		Mimetype:      proto.String(mimeType),
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
	}}
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", c.classify(op, err)
	}
	slog.Debug("WhatsApp image sent", "to", jid.String(), "message_id", resp.ID, "bytes", len(data))
	return resp.ID, nil
}

// SendVideo uploads and delivers a video with an optional caption.
func (c *Client) SendVideo(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	const op = "send video"
	if err := c.precheck(op); err != nil {
		return "", err
	}
	data, mimeType, err := readMedia(mediaPath, mediaType)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	jid, err := c.resolveJID(destination)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaVideo)
	if err != nil {
		return "", c.classify(op, err)
	}

	msg := &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
		Caption:       optionalString(caption),
		Mimetype:      proto.String(mimeType),
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
	}}
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", c.classify(op, err)
	}
	slog.Debug("WhatsApp video sent", "to", jid.String(), "message_id", resp.ID, "bytes", len(data))
	return resp.ID, nil
}

// SendAudio uploads and delivers an audio clip. WhatsApp has no audio
// captions, so the caption is ignored.
func (c *Client) SendAudio(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	const op = "send audio"
	if err := c.precheck(op); err != nil {
		return "", err
	}
	data, mimeType, err := readMedia(mediaPath, mediaType)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	jid, err := c.resolveJID(destination)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return "", c.classify(op, err)
	}

	msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		Mimetype:      proto.String(mimeType),
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
	}}
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", c.classify(op, err)
	}
	slog.Debug("WhatsApp audio sent", "to", jid.String(), "message_id", resp.ID, "bytes", len(data))
	return resp.ID, nil
}

// SendDocument uploads and delivers an arbitrary file, preserving its name.
func (c *Client) SendDocument(ctx context.Context, destination, mediaPath, mediaType, caption string) (string, error) {
	const op = "send document"
	if err := c.precheck(op); err != nil {
		return "", err
	}
	data, mimeType, err := readMedia(mediaPath, mediaType)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	jid, err := c.resolveJID(destination)
	if err != nil {
		return "", messaging.JobError(op, err)
	}
	uploaded, err := c.waClient.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return "", c.classify(op, err)
	}

	msg := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       optionalString(caption),
		FileName:      proto.String(filepath.Base(mediaPath)),
		Mimetype:      proto.String(mimeType),
		URL:           &uploaded.URL,
		DirectPath:    &uploaded.DirectPath,
		MediaKey:      uploaded.MediaKey,
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    proto.Uint64(uploaded.FileLength),
	}}
	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", c.classify(op, err)
	}
	slog.Debug("WhatsApp document sent", "to", jid.String(), "message_id", resp.ID, "bytes", len(data))
	return resp.ID, nil
}

// Close disconnects the underlying session.
func (c *Client) Close() error {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
	return nil
}

// readMedia loads a media file and resolves its MIME type: the type the
// plan declares wins, then the file extension, then content sniffing.
func readMedia(path, declared string) ([]byte, string, error) {
	if path == "" {
		return nil, "", fmt.Errorf("media path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media file %s: %w", path, err)
	}
	mimeType := declared
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(path))
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
