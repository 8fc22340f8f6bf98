package mqtt

// Message represents an MQTT message received on a subscribed topic.
//
// The message is passed to subscription handlers and contains all relevant
// information about the received message including topic, payload, QoS level,
// and flags.
type Message struct {
	// Topic the message was published to
	Topic string

	// Message payload
	Payload []byte

	// Quality of Service level
	QoS QoS

	// Retained message flag
	Retained bool

	// Duplicate delivery flag
	Duplicate bool
}

// MessageHandler is called when a message is received on a subscribed topic.
type MessageHandler func(*Connection, Message)
