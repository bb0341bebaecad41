package mqttclient

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration
	// OnConnect runs after every successful (re)connect.
	OnConnect func()
}

type Client struct {
	raw mqtt.Client
	id  string
}

func New(opts Options) (*Client, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	o.SetCleanSession(true)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.OnConnect != nil {
		o.SetOnConnectHandler(func(mqtt.Client) { opts.OnConnect() })
	}
	c := mqtt.NewClient(o)

	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return &Client{raw: c, id: opts.ClientID}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	token := c.raw.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Subscribe delivers each message on topic to handler as (topic, payload).
func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.raw.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *Client) Unsubscribe(topics ...string) error {
	token := c.raw.Unsubscribe(topics...)
	token.Wait()
	return token.Error()
}

func (c *Client) Connected() bool {
	return c.raw.IsConnectionOpen()
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	return fmt.Sprintf("MQTTClient(%s)", c.id)
}
