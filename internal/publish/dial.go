package publish

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNoBroker = errors.New("mqtt broker host not configured")

type Broker struct {
	Host     string
	Port     int
	Username string
	Password string
}

func (b Broker) URL() string {
	port := b.Port
	if port <= 0 {
		port = 1883
	}
	return "tcp://" + net.JoinHostPort(b.Host, strconv.Itoa(port))
}

// Dial connects to the broker with a last will of "offline" on the
// availability topic and publishes "online" after every (re)connect.
//
// A broker that does not answer within timeout is not an error: the client
// keeps retrying in the background and publishing reports ErrNotConnected
// until it is up.
func Dial(log zerolog.Logger, b Broker, timeout time.Duration) (mqtt.Client, error) {
	if b.Host == "" {
		return nil, ErrNoBroker
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(b.URL()).
		SetClientID("saj-portal-scraper-"+uuid.NewString()).
		SetWill(AvailabilityTopic, PayloadOffline, qos, true).
		SetKeepAlive(60 * time.Second).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Info().Str("broker", b.URL()).Msg("mqtt connected")
			c.Publish(AvailabilityTopic, qos, true, PayloadOnline)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
		})
	if b.Username != "" {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}

	client := mqtt.NewClient(opts)
	log.Info().Str("broker", b.URL()).Msg("connecting to mqtt broker")
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		log.Warn().Dur("timeout", timeout).Msg("mqtt broker not reachable yet, retrying in background")
		return client, nil
	}
	if err := tok.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect %s: %w", b.URL(), err)
	}
	return client, nil
}
