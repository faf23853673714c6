// Package uplink connects the services daemon to an IRC server as a client,
// feeding what it sees into a services.Network and sending the network's mode
// changes back out.
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/girc"

	"github.com/presbrey/ircservices/services"
)

// Config describes the uplink connection.
type Config struct {
	Server   string
	Port     int
	TLS      bool
	Nick     string
	User     string
	Name     string
	Password string
	SASLUser string
	SASLPass string
	// Channels are joined after every connect.
	Channels []string
}

// Link is a client connection to the uplink server. It implements
// services.Protocol; a client can only speak for itself, so commands issued
// for other identities go out under the link's nick.
type Link struct {
	cfg    Config
	client *girc.Client
	log    *slog.Logger

	mu       sync.Mutex
	net      *services.Network
	loop     *services.Loop
	isupport map[string]string

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a link and registers its handlers. Nothing is sent until Run.
func New(cfg Config, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	clientConfig := girc.Config{
		Server:     cfg.Server,
		Port:       cfg.Port,
		Nick:       cfg.Nick,
		User:       cfg.User,
		Name:       cfg.Name,
		SSL:        cfg.TLS,
		ServerPass: cfg.Password,
	}
	if clientConfig.User == "" {
		clientConfig.User = cfg.Nick
	}
	if clientConfig.Name == "" {
		clientConfig.Name = cfg.Nick
	}
	if cfg.SASLUser != "" {
		clientConfig.SASL = &girc.SASLPlain{User: cfg.SASLUser, Pass: cfg.SASLPass}
	}

	l := &Link{
		cfg:      cfg,
		client:   girc.New(clientConfig),
		log:      logger.With("component", "uplink"),
		isupport: make(map[string]string),
		ready:    make(chan struct{}),
	}

	l.client.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		l.log.Info("connected", "server", cfg.Server, "nick", c.GetNick())
		if len(cfg.Channels) > 0 {
			c.Cmd.Join(cfg.Channels...)
		}
	})
	l.client.Handlers.Add(girc.ERROR, func(c *girc.Client, e girc.Event) {
		l.log.Error("server error", "message", e.Last())
	})
	l.client.Handlers.Add(girc.RPL_ISUPPORT, func(c *girc.Client, e girc.Event) {
		l.mu.Lock()
		parseISupport(e.Params, l.isupport)
		l.mu.Unlock()
	})
	markReady := func(c *girc.Client, e girc.Event) {
		l.readyOnce.Do(func() { close(l.ready) })
	}
	l.client.Handlers.Add(girc.RPL_ENDOFMOTD, markReady)
	l.client.Handlers.Add(girc.ERR_NOMOTD, markReady)
	l.client.Handlers.Add(girc.ALL_EVENTS, func(c *girc.Client, e girc.Event) {
		l.dispatch(e)
	})
	return l
}

// Attach starts feeding events into n on loop. When already connected, the
// configured channels are queried again since earlier events were dropped.
func (l *Link) Attach(n *services.Network, loop *services.Loop) {
	l.mu.Lock()
	l.net = n
	l.loop = loop
	l.mu.Unlock()

	if !l.client.IsConnected() {
		return
	}
	for _, channel := range l.cfg.Channels {
		if err := l.query(channel); err != nil {
			l.log.Error("channel query failed", "channel", channel, "error", err)
		}
	}
}

// query asks for a channel's members and modes.
func (l *Link) query(channel string) error {
	if err := l.client.Cmd.SendRawf("NAMES %s", channel); err != nil {
		return err
	}
	if err := l.client.Cmd.SendRawf("WHO %s", channel); err != nil {
		return err
	}
	return l.client.Cmd.SendRawf("MODE %s", channel)
}

// Run connects and reconnects with backoff until ctx is done.
func (l *Link) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.client.Close()
	}()

	retry := newBackoff(time.Second, 2*time.Minute)
	for {
		started := time.Now()
		err := l.client.Connect()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a link that stayed up for a while starts the backoff over
		if time.Since(started) > 5*time.Minute {
			retry.Reset()
		}
		delay := retry.Next()
		l.log.Warn("disconnected", "error", err, "retry", delay)
		l.post(l.forget)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Dialect waits for the server's end of MOTD and builds a dialect from what
// it advertised in RPL_ISUPPORT.
func (l *Link) Dialect(ctx context.Context) (*services.Dialect, error) {
	select {
	case <-l.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	l.mu.Lock()
	chanmodes, prefix, modes := l.isupport["CHANMODES"], l.isupport["PREFIX"], l.isupport["MODES"]
	l.mu.Unlock()
	if chanmodes == "" {
		return nil, fmt.Errorf("server %s did not advertise CHANMODES", l.cfg.Server)
	}
	return services.DialectFromISupport(chanmodes, prefix, modes)
}

// Nick returns the nick the link currently holds.
func (l *Link) Nick() string {
	if nick := l.client.GetNick(); nick != "" {
		return nick
	}
	return l.cfg.Nick
}

// Mode implements services.Protocol.
func (l *Link) Mode(issuer, channel, modes string) error {
	l.note(issuer, "MODE")
	return l.client.Cmd.SendRawf("MODE %s %s", channel, modes)
}

// Join implements services.Protocol. Client joins cannot carry modes.
func (l *Link) Join(issuer, channel, modes string) error {
	l.note(issuer, "JOIN")
	return l.client.Cmd.SendRawf("JOIN %s", channel)
}

// Part implements services.Protocol.
func (l *Link) Part(issuer, channel string) error {
	l.note(issuer, "PART")
	return l.client.Cmd.SendRawf("PART %s", channel)
}

func (l *Link) note(issuer, command string) {
	if !strings.EqualFold(issuer, l.Nick()) {
		l.log.Debug("sending as link nick", "command", command, "issuer", issuer, "nick", l.Nick())
	}
}

func (l *Link) dispatch(e girc.Event) {
	l.post(func(n *services.Network) { l.apply(n, e) })
}

func (l *Link) post(fn func(n *services.Network)) {
	l.mu.Lock()
	n, loop := l.net, l.loop
	l.mu.Unlock()
	if n == nil || loop == nil {
		return
	}
	loop.Post(func() { fn(n) })
}

// parseISupport merges the KEY=VALUE tokens of an RPL_ISUPPORT line. The
// first parameter is our nick and the last the trailing text.
func parseISupport(params []string, into map[string]string) {
	if len(params) < 2 {
		return
	}
	for _, tok := range params[1 : len(params)-1] {
		key, value, _ := strings.Cut(tok, "=")
		if strings.HasPrefix(key, "-") {
			delete(into, key[1:])
			continue
		}
		into[key] = value
	}
}
