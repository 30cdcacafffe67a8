// Package bus carries device traffic between playhost and the MQTT broker.
//
// Devices report on {report-prefix}/{deviceId} and receive commands on
// {command-prefix}/{deviceId}. Payloads are JSON objects.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected = errors.New("bus client not connected")
	ErrThrottled    = errors.New("bus publish throttled")
)

// Message is one inbound bus message.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives inbound messages. Handlers run on the client's delivery
// goroutine and must not block for long.
type Handler func(Message)

// Client is the subset of bus operations the rest of the program needs.
type Client interface {
	Publish(topic string, payload any) error
	OnMessage(h Handler)
}

// Topics holds the topic prefixes used by devices.
type Topics struct {
	ReportPrefix  string
	CommandPrefix string
}

func DefaultTopics() Topics {
	return Topics{ReportPrefix: "/dpub", CommandPrefix: "/drecv"}
}

// ReportTopic returns the topic a device reports on.
func (t Topics) ReportTopic(deviceID string) string {
	return strings.TrimSuffix(t.ReportPrefix, "/") + "/" + deviceID
}

// CommandTopic returns the topic a device listens for commands on.
func (t Topics) CommandTopic(deviceID string) string {
	return strings.TrimSuffix(t.CommandPrefix, "/") + "/" + deviceID
}

// DeviceFromReport extracts the device id from a report topic.
func (t Topics) DeviceFromReport(topic string) (string, bool) {
	prefix := strings.TrimSuffix(t.ReportPrefix, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(topic, prefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// Encode turns a publish payload into wire bytes. Strings and byte slices are
// sent verbatim, everything else as JSON.
func Encode(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

// DecodeObject parses payload as a JSON object. ok is false for anything that
// is not an object.
func DecodeObject(payload []byte) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
