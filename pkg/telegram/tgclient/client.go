// Package tgclient: обёртка над gotd: создание клиента, постоянное соединение
// и вызовы Telegram, которые нужны рантайму аккаунтов.
package tgclient

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// ErrNotConnected: вызов без активного соединения.
var ErrNotConnected = errors.New("telegram client is not connected")

// Proxy: параметры SOCKS5.
type Proxy struct {
	Addr     string
	User     string
	Password string
}

// Options описывает аккаунт и окружение клиента.
type Options struct {
	Phone       string
	AppID       int
	AppHash     string
	Storage     session.Storage
	Proxy       *Proxy
	RatePerSec  float64
	DeviceModel string
	DialTimeout time.Duration
	Logger      *zap.Logger
	Log         zerolog.Logger
}

// Client держит одно соединение gotd. Сам по себе не потокобезопасен для вызовов RPC:
// конкурентный доступ исключает рантайм аккаунта.
type Client struct {
	opts Options
	base telegram.Options
	log  zerolog.Logger

	mu        sync.Mutex
	tg        *telegram.Client
	api       *tg.Client
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool

	chatsMu sync.Mutex
	chats   map[int64]Chat
}

// New собирает параметры gotd: хранилище сессии, прокси, ограничитель запросов.
// Соединение не открывается до Connect.
func New(opts Options) (*Client, error) {
	if opts.AppID <= 0 || opts.AppHash == "" {
		return nil, errors.New("app id and app hash are required")
	}
	storage := opts.Storage
	if storage == nil {
		storage = &session.StorageMemory{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	base := telegram.Options{
		SessionStorage: storage,
		Logger:         logger.With(zap.String("phone", opts.Phone)),
		DialTimeout:    opts.DialTimeout,
		Device: telegram.DeviceConfig{
			DeviceModel:    opts.DeviceModel,
			SystemVersion:  "linux",
			AppVersion:     "1.0",
			LangCode:       "en",
			SystemLangCode: "en",
		},
	}
	if opts.RatePerSec > 0 {
		base.Middlewares = append(base.Middlewares, RateLimit(opts.RatePerSec, 1))
	}
	if opts.Proxy != nil && opts.Proxy.Addr != "" {
		dial, err := socksDialer(opts.Proxy)
		if err != nil {
			return nil, err
		}
		base.Resolver = dcs.Plain(dcs.PlainOptions{Dial: dial})
	}

	return &Client{
		opts:  opts,
		base:  base,
		log:   opts.Log.With().Str("phone", opts.Phone).Logger(),
		chats: make(map[int64]Chat),
	}, nil
}

func socksDialer(p *Proxy) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var auth *proxy.Auth
	if p.User != "" || p.Password != "" {
		auth = &proxy.Auth{User: p.User, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", p.Addr, auth, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "proxy dialer")
	}
	dc, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("proxy dialer missing context")
	}
	return dc.DialContext, nil
}

// Phone: номер аккаунта, для которого создан клиент.
func (c *Client) Phone() string { return c.opts.Phone }

// Connect запускает client.Run в отдельной горутине и ждёт готовности соединения.
// Повторный вызов при живом соединении ничего не делает.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	opts := c.base
	opts.Random = rand.New(rand.NewSource(time.Now().UnixNano()))
	client := telegram.NewClient(c.opts.AppID, c.opts.AppHash, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	var runErr error

	go func() {
		defer close(done)
		runErr = client.Run(runCtx, func(ctx context.Context) error {
			c.mu.Lock()
			c.tg = client
			c.api = client.API()
			c.cancel = cancel
			c.done = done
			c.connected = true
			c.mu.Unlock()
			close(ready)

			<-ctx.Done()
			return nil
		})
		c.mu.Lock()
		if c.tg == client {
			c.tg, c.api, c.cancel, c.done = nil, nil, nil, nil
			c.connected = false
		}
		c.mu.Unlock()
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			c.log.Warn().Err(runErr).Msg("connection closed")
		}
	}()

	select {
	case <-ready:
		c.log.Debug().Msg("connected")
		return nil
	case <-done:
		cancel()
		if runErr == nil {
			runErr = errors.New("connection closed before ready")
		}
		return errors.Wrap(runErr, "connect")
	case <-ctx.Done():
		cancel()
		<-done
		return errors.Wrap(ctx.Err(), "connect")
	}
}

// Disconnect останавливает client.Run и ждёт его завершения ограниченное время.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return errors.New("disconnect timeout")
	}
	return nil
}

// Connected сообщает, что client.Run активен.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) client() (*telegram.Client, *tg.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, ErrNotConnected
	}
	return c.tg, c.api, nil
}
