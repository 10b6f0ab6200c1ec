package chat

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	v1 "echostream/contracts/realtime/v1"
)

// Client is the application-level owner of the chat session: one connection,
// one relay, any number of views.
type Client struct {
	log    *slog.Logger
	cfg    Config
	api    *API
	mgr    *Manager
	relay  *Relay
	notify Notifier

	closeOnce sync.Once
}

// Option customizes a Client.
type Option func(*clientOptions)

type clientOptions struct {
	dialer   Dialer
	backend  Backend
	notifier Notifier
	hc       *http.Client
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option { return func(o *clientOptions) { o.dialer = d } }

// WithBackend replaces the REST backend used by the relay and views.
func WithBackend(b Backend) Option { return func(o *clientOptions) { o.backend = b } }

// WithNotifier routes user-facing notices.
func WithNotifier(n Notifier) Option { return func(o *clientOptions) { o.notifier = n } }

// WithHTTPClient sets the HTTP client shared by REST calls and the socket dial.
func WithHTTPClient(hc *http.Client) Option { return func(o *clientOptions) { o.hc = hc } }

// New builds a Client. Nothing is dialed until a view mounts.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	base, err := cfg.BaseURL()
	if err != nil {
		return nil, err
	}
	api, err := NewAPI(base, o.hc, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	api.SetToken(cfg.Token)

	if o.notifier == nil {
		o.notifier = LogNotifier{Log: log}
	}
	if o.backend == nil {
		o.backend = api
	}
	if o.dialer == nil {
		o.dialer = WSDialer(log, cfg, api.HTTPClient(), api.Token)
	}

	mgr, err := NewManager(log, o.dialer)
	if err != nil {
		return nil, err
	}
	relay, err := NewRelay(log, mgr, o.backend, o.notifier)
	if err != nil {
		return nil, err
	}

	return &Client{log: log, cfg: cfg, api: api, mgr: mgr, relay: relay, notify: o.notifier}, nil
}

// API returns the REST client.
func (c *Client) API() *API { return c.api }

// Manager returns the connection manager.
func (c *Client) Manager() *Manager { return c.mgr }

// Relay returns the message relay.
func (c *Client) Relay() *Relay { return c.relay }

// View binds a new view to room as identity. Call Mount to activate it.
func (c *Client) View(room Room, identity Identity, onChange func(Entry)) (*View, error) {
	if err := room.Validate(); err != nil {
		return nil, err
	}
	if room.Kind == v1.RoomAnonymous && identity.Name == "" {
		return nil, errors.New("chat: anonymous view needs a handle")
	}
	size := c.cfg.PageSize
	if size <= 0 {
		size = 20
	}
	return &View{
		log:      c.log,
		mgr:      c.mgr,
		relay:    c.relay,
		backend:  c.relayBackend(),
		notify:   c.notify,
		pageSize: size,
		onChange: onChange,
		room:     room,
		identity: identity,
	}, nil
}

// AnonymousView resolves rawName and derives a fresh handle from chosenHandle.
func (c *Client) AnonymousView(rawName, chosenHandle string, onChange func(Entry)) (*View, error) {
	return c.View(AnonymousRoom(rawName), NewAnonymousIdentity(chosenHandle), onChange)
}

func (c *Client) relayBackend() Backend { return c.relay.backend }

// Close detaches the relay and tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.relay.Close()
		if _, ok := c.mgr.Current(); ok {
			c.mgr.Teardown()
		}
	})
}
