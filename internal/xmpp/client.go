package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	xroster "mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/lilydjwg/xmpptalk/internal/logging"
	"github.com/lilydjwg/xmpptalk/internal/xmpp/roster"
)

var ErrNotConnected = errors.New("not connected")

// Client wraps the Mellium XMPP session of the bot account
type Client struct {
	session   *xmpp.Session
	jid       jid.JID
	password  string
	server    string
	port      int
	resource  string
	priority  int
	connected bool
	mu        sync.RWMutex

	// Handlers
	onMessage    func(msg Message)
	onPresence   func(p Presence)
	onRoster     func(items []roster.Item)
	onRosterPush func(item roster.Item)
	onProfile    func(id string, p Profile, err error)
	onConnect    func(j jid.JID)
	onDisconnect func(err error)
	onError      func(err error)

	ctx    context.Context
	cancel context.CancelFunc
}

// Message represents an inbound chat message
type Message struct {
	ID   string
	From jid.JID
	To   jid.JID
	Body string
	Type stanza.MessageType
	// Stamp is the raw delayed-delivery timestamp, empty when absent
	Stamp string
}

// Presence represents an XMPP presence, inbound or outbound
type Presence struct {
	From     jid.JID
	To       jid.JID
	Type     stanza.PresenceType
	Show     string
	Status   string
	Priority int
}

// Profile is the part of a vCard used to pick a default nick
type Profile struct {
	FullName string
	Family   string
}

// ClientConfig contains configuration for the XMPP client
type ClientConfig struct {
	JID      string
	Password string
	Server   string
	Port     int
	Resource string
	Priority int
}

// NewClient creates a new XMPP client
func NewClient(cfg ClientConfig) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}

	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = 5222
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		jid:      j,
		password: cfg.Password,
		server:   cfg.Server,
		port:     cfg.Port,
		resource: cfg.Resource,
		priority: cfg.Priority,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Connect establishes a connection to the XMPP server, starts serving
// inbound stanzas and fetches the roster.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	server := c.server
	if server == "" {
		server = c.jid.Domain().String()
	}

	addr := net.JoinHostPort(server, strconv.Itoa(c.port))

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: c.jid.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(
		c.ctx,
		c.jid.Domain(),
		c.jid,
		conn,
		0,
		negotiator,
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	c.session = session
	c.connected = true

	// Update JID with resource from server
	c.jid = session.LocalAddr()

	go c.serve(session)
	go c.loadRoster(session)

	if c.onConnect != nil {
		c.onConnect(c.jid)
	}

	return nil
}

// Disconnect announces unavailability and closes the connection, waiting
// at most grace for the server to acknowledge.
func (c *Client) Disconnect(grace time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	var err error
	if c.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		_ = c.session.Encode(ctx, stanza.Presence{Type: stanza.UnavailablePresence})
		cancel()
		err = c.session.Close()
	}
	c.cancel()

	c.connected = false
	c.session = nil

	if c.onDisconnect != nil {
		c.onDisconnect(nil)
	}

	return err
}

func (c *Client) serve(session *xmpp.Session) {
	m := mux.New(stanza.NSClient,
		mux.MessageFunc(stanza.ChatMessage, xml.Name{}, c.handleMessage),
		mux.MessageFunc(stanza.NormalMessage, xml.Name{}, c.handleMessage),
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{}, c.handlePresence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, c.handlePresence),
		mux.PresenceFunc(stanza.SubscribePresence, xml.Name{}, c.handlePresence),
		mux.PresenceFunc(stanza.SubscribedPresence, xml.Name{}, c.handlePresence),
		mux.PresenceFunc(stanza.UnsubscribePresence, xml.Name{}, c.handlePresence),
		mux.PresenceFunc(stanza.UnsubscribedPresence, xml.Name{}, c.handlePresence),
		xroster.Handle(xroster.Handler{Push: c.handleRosterPush}),
	)
	if err := session.Serve(m); err != nil {
		logging.Warn("stream ended: %v", err)
		if c.onError != nil {
			c.onError(err)
		}
		c.handleDisconnect(err)
		return
	}
	c.handleDisconnect(nil)
}

type inboundMessage struct {
	stanza.Message
	Body  string `xml:"body"`
	Delay struct {
		Stamp string `xml:"stamp,attr"`
	} `xml:"urn:xmpp:delay delay"`
	LegacyDelay struct {
		Stamp string `xml:"stamp,attr"`
	} `xml:"jabber:x:delay x"`
}

func (c *Client) handleMessage(_ stanza.Message, r xmlstream.TokenReadEncoder) error {
	var msg inboundMessage
	if err := xml.NewTokenDecoder(r).Decode(&msg); err != nil {
		return err
	}
	if c.onMessage == nil {
		return nil
	}

	stamp := msg.Delay.Stamp
	if stamp == "" {
		stamp = msg.LegacyDelay.Stamp
	}
	c.onMessage(Message{
		ID:    msg.ID,
		From:  msg.From,
		To:    msg.To,
		Body:  msg.Body,
		Type:  msg.Type,
		Stamp: stamp,
	})
	return nil
}

type presencePayload struct {
	stanza.Presence
	Show     string `xml:"show,omitempty"`
	Status   string `xml:"status,omitempty"`
	Priority int    `xml:"priority,omitempty"`
}

func (c *Client) handlePresence(_ stanza.Presence, r xmlstream.TokenReadEncoder) error {
	var p presencePayload
	if err := xml.NewTokenDecoder(r).Decode(&p); err != nil {
		return err
	}
	if c.onPresence == nil {
		return nil
	}

	c.onPresence(Presence{
		From:     p.From,
		To:       p.To,
		Type:     p.Type,
		Show:     p.Show,
		Status:   p.Status,
		Priority: p.Priority,
	})
	return nil
}

func (c *Client) handleRosterPush(_ string, item xroster.Item) error {
	logging.Debug("roster push for %s (%s)", item.JID, item.Subscription)
	if c.onRosterPush != nil {
		c.onRosterPush(fromRosterItem(item))
	}
	return nil
}

func (c *Client) loadRoster(session *xmpp.Session) {
	iter := xroster.Fetch(c.ctx, session)
	defer iter.Close()

	var items []roster.Item
	for iter.Next() {
		items = append(items, fromRosterItem(iter.Item()))
	}
	if err := iter.Err(); err != nil {
		logging.Error("roster fetch failed: %v", err)
		if c.onError != nil {
			c.onError(fmt.Errorf("roster fetch: %w", err))
		}
		return
	}

	logging.Info("roster loaded with %d items", len(items))
	if c.onRoster != nil {
		c.onRoster(items)
	}
}

func fromRosterItem(item xroster.Item) roster.Item {
	return roster.Item{
		JID:          item.JID,
		Name:         item.Name,
		Subscription: roster.Subscription(item.Subscription),
		Groups:       item.Group,
	}
}

// handleDisconnect handles unexpected disconnection
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected && c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) currentSession() (*xmpp.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

type messageBody struct {
	stanza.Message
	Body string `xml:"body"`
}

// SendMessage sends a chat message
func (c *Client) SendMessage(ctx context.Context, to jid.JID, body string) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}

	return session.Encode(ctx, messageBody{
		Message: stanza.Message{
			ID:   uuid.NewString(),
			To:   to,
			Type: stanza.ChatMessage,
		},
		Body: body,
	})
}

// SendPresence sends a presence; a zero To broadcasts it to subscribers.
// Availability presences without a priority carry the configured one.
func (c *Client) SendPresence(ctx context.Context, p Presence) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}

	priority := p.Priority
	if priority == 0 && p.Type == stanza.AvailablePresence {
		priority = c.priority
	}
	return session.Encode(ctx, presencePayload{
		Presence: stanza.Presence{
			ID:   uuid.NewString(),
			To:   p.To,
			Type: p.Type,
		},
		Show:     p.Show,
		Status:   p.Status,
		Priority: priority,
	})
}

type vCard struct {
	XMLName xml.Name `xml:"vcard-temp vCard"`
	FN      string   `xml:"FN"`
	N       struct {
		Family string `xml:"FAMILY"`
		Given  string `xml:"GIVEN"`
	} `xml:"N"`
}

func (v vCard) profile() Profile {
	return Profile{FullName: v.FN, Family: v.N.Family}
}

// RequestProfile fetches the vCard of to in the background. The profile
// handler is called with id once the reply or an error arrives.
func (c *Client) RequestProfile(ctx context.Context, id string, to jid.JID) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}

	go func() {
		var v vCard
		err := session.UnmarshalIQElement(
			c.ctx,
			xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: "vcard-temp", Local: "vCard"}}),
			stanza.IQ{ID: uuid.NewString(), To: to.Bare(), Type: stanza.GetIQ},
			&v,
		)
		if c.onProfile != nil {
			c.onProfile(id, v.profile(), err)
		}
	}()
	return nil
}

// UpdateRoster sets the display name of a roster entry
func (c *Client) UpdateRoster(ctx context.Context, to jid.JID, name string) error {
	session, err := c.currentSession()
	if err != nil {
		return err
	}
	return xroster.Set(ctx, session, xroster.Item{
		JID:  to.Bare(),
		Name: name,
	})
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// JID returns the client's JID
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// SetMessageHandler sets the message handler
func (c *Client) SetMessageHandler(handler func(msg Message)) {
	c.onMessage = handler
}

// SetPresenceHandler sets the presence handler
func (c *Client) SetPresenceHandler(handler func(p Presence)) {
	c.onPresence = handler
}

// SetRosterHandler sets the handler for the initial roster
func (c *Client) SetRosterHandler(handler func(items []roster.Item)) {
	c.onRoster = handler
}

// SetRosterPushHandler sets the handler for roster pushes
func (c *Client) SetRosterPushHandler(handler func(item roster.Item)) {
	c.onRosterPush = handler
}

// SetProfileHandler sets the handler for RequestProfile replies
func (c *Client) SetProfileHandler(handler func(id string, p Profile, err error)) {
	c.onProfile = handler
}

// SetConnectHandler sets the handler called after every successful
// Connect with the bound address. It runs with the client locked.
func (c *Client) SetConnectHandler(handler func(j jid.JID)) {
	c.onConnect = handler
}

// SetDisconnectHandler sets the disconnect handler
func (c *Client) SetDisconnectHandler(handler func(err error)) {
	c.onDisconnect = handler
}

// SetErrorHandler sets the error handler
func (c *Client) SetErrorHandler(handler func(err error)) {
	c.onError = handler
}
