// Package mqtt implements an MQTT 3.1.1 client.
//
// The package centers on the Connection type, which owns one broker
// connection and its lifecycle: a five-state machine (DISCONNECTED,
// CONNECTING, CONNECTED, RECONNECTING, DISCONNECTING), an in-flight request
// tracker with retry and timeout semantics, a subscription topic tree with
// transactional mutation, and an exponential-backoff reconnect loop.
//
// # Connecting
//
//	conn := mqtt.New("tcp://localhost:1883")
//	defer conn.Close()
//
//	token, err := conn.Connect(mqtt.ConnectOptions{
//	    ClientID:     "sensor-1",
//	    CleanSession: true,
//	    KeepAlive:    30 * time.Second,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Publishing and subscribing
//
// Operations return tokens that complete when the broker acknowledges (or
// the operation times out, is cancelled, or the connection is destroyed).
// Every completion callback fires exactly once per packet ID.
//
//	conn.Subscribe("sensors/+/temperature", mqtt.AtLeastOnce,
//	    func(c *mqtt.Connection, msg mqtt.Message) {
//	        fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
//	    })
//
//	token := conn.Publish("sensors/1/temperature", []byte("22.5"),
//	    mqtt.WithQoS(mqtt.AtLeastOnce))
//	if err := token.Wait(ctx); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
//
// # Sessions and reconnection
//
// An unexpected transport loss while connected moves the connection to
// RECONNECTING and retries with exponential backoff (1s doubling to 128s by
// default, configurable with SetReconnectTimeout). With CleanSession false,
// unacknowledged QoS 1 publishes and in-flight subscribe/unsubscribe
// requests are parked and re-sent after the reconnect, publishes with the
// same packet ID and the DUP flag set. With CleanSession true, in-flight
// requests complete with ErrCancelledForCleanSession and broker-side
// subscriptions can be re-established with ResubscribeExisting.
//
// # Transports
//
// The default transport is TCP, with TLS enabled by the tls://, ssl://, and
// mqtts:// schemes or a TLSConfig in ConnectOptions. UseWebsockets switches
// to MQTT over WebSocket (HTTP Upgrade on /mqtt with the "mqtt"
// sub-protocol), and SetHTTPProxy tunnels either transport through an HTTP
// CONNECT proxy.
//
// # Threading
//
// All exported methods are safe for concurrent use. Message handlers and
// completion callbacks run on the connection's single I/O goroutine, so
// they must not block for long and must not call Wait on tokens of the same
// connection.
package mqtt
