package mqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MQTT specification limits.
const (
	// maxTopicLength is the maximum length of an MQTT topic (2 bytes for length prefix)
	maxTopicLength = 65535

	// maxPayloadSize is the maximum size of an MQTT message payload (256MB - 1)
	maxPayloadSize = 268435455
)

// validatePublishTopic validates a topic for publishing.
// Publish topics must not contain wildcards and must follow MQTT rules.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}

	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic length %d exceeds maximum %d", ErrInvalidTopic, len(topic), maxTopicLength)
	}

	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed in PUBLISH topics", ErrInvalidTopic)
	}

	if strings.Contains(topic, "\x00") {
		return fmt.Errorf("%w: topic contains null byte", ErrInvalidTopic)
	}

	if !utf8.ValidString(topic) {
		return fmt.Errorf("%w: topic is not valid UTF-8", ErrInvalidTopic)
	}

	return nil
}

// validateFilter validates a topic filter for subscribing.
// Filters may contain wildcards: '+' as a whole segment, '#' only as the
// terminal segment.
func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: topic filter cannot be empty", ErrInvalidTopic)
	}

	if len(filter) > maxTopicLength {
		return fmt.Errorf("%w: topic filter length %d exceeds maximum %d", ErrInvalidTopic, len(filter), maxTopicLength)
	}

	if strings.Contains(filter, "\x00") {
		return fmt.Errorf("%w: topic filter contains null byte", ErrInvalidTopic)
	}

	if !utf8.ValidString(filter) {
		return fmt.Errorf("%w: topic filter is not valid UTF-8", ErrInvalidTopic)
	}

	parts := strings.Split(filter, "/")
	for i, part := range parts {
		// Single-level wildcard must be alone in the level
		if strings.Contains(part, "+") && part != "+" {
			return fmt.Errorf("%w: single-level wildcard '+' must occupy entire topic level", ErrInvalidTopic)
		}

		// Multi-level wildcard must be last and alone
		if strings.Contains(part, "#") {
			if part != "#" {
				return fmt.Errorf("%w: multi-level wildcard '#' must occupy entire topic level", ErrInvalidTopic)
			}
			if i != len(parts)-1 {
				return fmt.Errorf("%w: multi-level wildcard '#' must be the last segment", ErrInvalidTopic)
			}
		}
	}

	return nil
}

// validatePayload validates message payload size.
func validatePayload(payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("payload size %d exceeds maximum %d", len(payload), maxPayloadSize)
	}
	return nil
}
