package radio

import "fmt"

// Frame carries one datagram over the bus, in either direction.
type Frame struct {
	Seq     uint32 `json:"seq,omitempty"`
	From    uint8  `json:"from"`
	To      uint8  `json:"to"`
	Payload string `json:"payload"`
	RSSI    int8   `json:"rssi,omitempty"`
}

// AckFrame reports the link-level outcome of a transmitted Frame.
type AckFrame struct {
	Seq uint32 `json:"seq"`
	OK  bool   `json:"ok"`
}

// Topics names the bus topics of one radio network.
type Topics struct {
	RX     string
	TX     string
	Ack    string
	Config string
}

func TopicsFor(prefix, networkID string) Topics {
	base := fmt.Sprintf("%s/%s", prefix, networkID)
	return Topics{
		RX:     base + "/rx",
		TX:     base + "/tx",
		Ack:    base + "/ack",
		Config: base + "/config",
	}
}

// Bus is the publish/subscribe surface both ends of the bridge use.
// mqttclient.Client satisfies it.
type Bus interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
}
