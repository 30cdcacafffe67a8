package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/metrics"
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	URL            string
	ClientID       string
	Subscriptions  []string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	RetryInterval  time.Duration
	// PublishRate caps outbound messages per second; zero disables the cap.
	PublishRate  float64
	PublishBurst int
}

// Status is a point-in-time view of the client, served by the API.
type Status struct {
	URL           string   `json:"url"`
	ClientID      string   `json:"clientId"`
	Connected     bool     `json:"connected"`
	Subscriptions []string `json:"subscriptions"`
	HandlerCount  int      `json:"handlerCount"`
	LastError     string   `json:"lastError,omitempty"`
}

// MQTTClient is a reconnecting broker client that fans inbound messages out
// to registered handlers.
type MQTTClient struct {
	cfg     MQTTConfig
	client  mqtt.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu        sync.RWMutex
	handlers  []Handler
	connected bool
	lastErr   string
}

func NewMQTTClient(cfg MQTTConfig) (*MQTTClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mqtt url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("mqtt client id is required")
	}
	if len(cfg.Subscriptions) == 0 {
		cfg.Subscriptions = []string{"#"}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 8 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 3 * time.Second
	}

	c := &MQTTClient{
		cfg:    cfg,
		logger: log.WithComponent("mqtt"),
	}
	if cfg.PublishRate > 0 {
		burst := cfg.PublishBurst
		if burst <= 0 {
			burst = int(cfg.PublishRate)
			if burst < 1 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), burst)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.RetryInterval).
		SetMaxReconnectInterval(cfg.RetryInterval).
		SetOrderMatters(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Info().Str("url", cfg.URL).Msg("mqtt reconnecting")
	})
	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect starts the connection. With connect-retry enabled paho keeps
// trying in the background, so a broker that is down at boot is not fatal.
func (c *MQTTClient) Connect(ctx context.Context) error {
	c.logger.Info().Str("url", c.cfg.URL).Str("client_id", c.cfg.ClientID).Msg("mqtt client init")
	tok := c.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			c.setErr(err)
			return fmt.Errorf("mqtt connect %s: %w", c.cfg.URL, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.ConnectTimeout):
		c.logger.Warn().Str("url", c.cfg.URL).Msg("mqtt broker not reachable yet, retrying in background")
	}
	return nil
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(250)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Info().Msg("mqtt client disconnected")
}

func (c *MQTTClient) OnMessage(h Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	n := len(c.handlers)
	c.mu.Unlock()
	c.logger.Debug().Int("count", n).Msg("mqtt handler registered")
}

// Publish never waits for the broker acknowledgement: it is called from
// module code and from inbound handlers, where blocking on a token would
// stall ordered delivery.
func (c *MQTTClient) Publish(topic string, payload any) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		metrics.IncBus("out", "not_connected")
		return ErrNotConnected
	}
	if c.limiter != nil && !c.limiter.Allow() {
		metrics.IncBus("out", "throttled")
		return ErrThrottled
	}
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	tok := c.client.Publish(topic, 0, false, data)
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			metrics.IncBus("out", "error")
			c.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("mqtt publish failed")
			return
		}
		metrics.IncBus("out", "ok")
	}()
	return nil
}

func (c *MQTTClient) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		URL:           c.cfg.URL,
		ClientID:      c.cfg.ClientID,
		Connected:     c.connected,
		Subscriptions: append([]string(nil), c.cfg.Subscriptions...),
		HandlerCount:  len(c.handlers),
		LastError:     c.lastErr,
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.lastErr = ""
	c.mu.Unlock()
	c.logger.Info().Str("url", c.cfg.URL).Msg("mqtt client connected")

	for _, topic := range c.cfg.Subscriptions {
		topic := topic
		tok := client.Subscribe(topic, 0, c.onMessage)
		go func() {
			tok.Wait()
			if err := tok.Error(); err != nil {
				c.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("mqtt subscribe failed")
				return
			}
			c.logger.Info().Str(log.FieldTopic, topic).Msg("mqtt subscribed")
		}()
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.setErr(err)
	c.logger.Warn().Err(err).Msg("mqtt connection lost")
}

func (c *MQTTClient) onMessage(_ mqtt.Client, m mqtt.Message) {
	metrics.IncBus("in", "ok")
	msg := Message{Topic: m.Topic(), Payload: m.Payload()}
	c.mu.RLock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		dispatch(&c.logger, h, msg)
	}
}

func (c *MQTTClient) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if err != nil {
		c.lastErr = err.Error()
	}
}

var _ Client = (*MQTTClient)(nil)
