package kafka

import "github.com/segmentio/kafka-go"

// HeaderValue returns the last value of header key, if present.
func HeaderValue(msg kafka.Message, key string) (string, bool) {
	for i := len(msg.Headers) - 1; i >= 0; i-- {
		if msg.Headers[i].Key == key {
			return string(msg.Headers[i].Value), true
		}
	}
	return "", false
}
