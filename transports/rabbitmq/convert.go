package rabbitmq

import (
	"strconv"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// toPublishing maps a message onto AMQP properties. TTL becomes the
// per-message expiration in whole milliseconds.
func toPublishing(msg *messaging.Message) amqp.Publishing {
	pub := amqp.Publishing{
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Transient,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}

	if msg.TTL > 0 {
		ms := msg.TTL.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		pub.Expiration = strconv.FormatInt(ms, 10)
	}

	if len(msg.Headers) > 0 {
		pub.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			pub.Headers[k] = v
		}
	}

	return pub
}

// fromDelivery maps a delivery back onto a message
func fromDelivery(d amqp.Delivery) *messaging.Message {
	msg := &messaging.Message{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		Body:          d.Body,
	}

	if d.Expiration != "" {
		if ms, err := strconv.ParseInt(d.Expiration, 10, 64); err == nil {
			msg.TTL = time.Duration(ms) * time.Millisecond
		}
	}

	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]interface{}, len(d.Headers))
		for k, v := range d.Headers {
			msg.Headers[k] = v
		}
	}

	return msg
}
