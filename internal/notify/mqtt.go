package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/samcat116/strato/internal/events"
)

// MQTTSettings holds configuration for an MQTT notification channel.
type MQTTSettings struct {
	Broker   string `json:"broker" yaml:"broker"`
	Topic    string `json:"topic" yaml:"topic"`
	ClientID string `json:"client_id,omitempty" yaml:"client_id"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	QoS      int    `json:"qos,omitempty" yaml:"qos"`
}

// MQTT publishes events as JSON messages to an MQTT broker. A fresh
// connection per send keeps the notifier stateless; control-plane event
// volume is low enough that this costs nothing.
type MQTT struct {
	settings MQTTSettings
	qos      byte
}

func NewMQTT(settings MQTTSettings) *MQTT {
	q := byte(settings.QoS)
	if q > 2 {
		q = 0
	}
	if settings.ClientID == "" {
		settings.ClientID = "strato"
	}
	return &MQTT{settings: settings, qos: q}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Send(ctx context.Context, evt events.Event) error {
	opts := mqtt.NewClientOptions().
		SetClientID(m.settings.ClientID).
		AddBroker(m.settings.Broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second)
	if m.settings.Username != "" {
		opts.SetUsername(m.settings.Username)
		opts.SetPassword(m.settings.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	pub := client.Publish(m.settings.Topic, m.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}
