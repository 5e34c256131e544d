package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// ErrNotConnected is returned when sending while the device is offline or unpaired.
var ErrNotConnected = errors.New("whatsapp client not connected")

// LinkState describes whether the clinic number can send notices.
type LinkState string

const (
	LinkUnpaired     LinkState = "unpaired"
	LinkPairing      LinkState = "pairing"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkLoggedOut    LinkState = "logged_out"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
}

// Client is the clinic's linked WhatsApp device, used to message patients.
type Client struct {
	client *whatsmeow.Client
	logger *slog.Logger

	mu    sync.Mutex
	state LinkState
}

// New opens the device store at cfg.StorePath. It does not connect.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("whatsapp store path is required")
	}
	if dir := filepath.Dir(cfg.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create whatsapp store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	c := &Client{
		client: whatsmeow.NewClient(device, waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)),
		logger: logger.With("component", "wa"),
		state:  LinkDisconnected,
	}
	if device.ID == nil {
		c.state = LinkUnpaired
	}
	c.client.AddEventHandler(c.handleEvent)
	return c, nil
}

// Start connects the device. An unlinked device logs pairing QR codes until one is
// scanned or ctx ends; notices are refused meanwhile.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		c.setState(LinkPairing)
		go c.logPairing(qrChan)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect whatsapp: %w", err)
	}
	return nil
}

func (c *Client) logPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case whatsmeow.QRChannelEventCode:
			c.logger.Info("scan to link the clinic number", "qr", evt.Code)
		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("clinic number linked")
		default:
			c.logger.Warn("pairing ended without a link, payment notices stay disabled", "event", evt.Event)
			c.setState(LinkUnpaired)
		}
	}
}

// Close disconnects the device.
func (c *Client) Close() {
	c.client.Disconnect()
	c.setState(LinkDisconnected)
}

// Ready reports the link state and whether notices can go out right now.
func (c *Client) Ready() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.state), c.state == LinkConnected
}

func (c *Client) setState(s LinkState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Info("whatsapp link state changed", "from", prev, "to", s)
	}
}

func (c *Client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		c.logger.Debug("ignoring inbound message", "from", v.Info.Sender.String())
	case *events.Connected:
		c.setState(LinkConnected)
	case *events.Disconnected:
		c.setState(LinkDisconnected)
	case *events.LoggedOut:
		c.logger.Error("clinic number unlinked, pairing required", "reason", v.Reason.String())
		c.setState(LinkLoggedOut)
	}
}

// SendText delivers a plain message. It fails fast with ErrNotConnected instead of queueing.
func (c *Client) SendText(ctx context.Context, to types.JID, text string) error {
	if _, ok := c.Ready(); !ok || !c.client.IsLoggedIn() {
		return ErrNotConnected
	}
	msg := &waProto.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, to, msg); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}
