package messaging

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/gomp/pkg/circuit"
	"github.com/bardlex/gomp/pkg/errors"
	"github.com/bardlex/gomp/pkg/retry"
)

// Publisher is the typed face of the event bus: one method per pool event,
// each JSON-encoded and keyed so consumers partition sensibly (jobs by job
// ID, shares and payments by miner ID, blocks by height).
type Publisher struct {
	client *KafkaClient
}

// NewPublisher wraps a KafkaClient in the typed event API.
func NewPublisher(client *KafkaClient) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) publish(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "event_marshal",
			"failed to marshal bus event").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return p.client.PublishJSON(ctx, topic, key, data)
}

// PublishJob announces a newly installed job.
func (p *Publisher) PublishJob(ctx context.Context, event JobEvent) error {
	return p.publish(ctx, TopicJobs, event.JobID, event)
}

// PublishShare records a share submission on the bus.
func (p *Publisher) PublishShare(ctx context.Context, event ShareEvent) error {
	return p.publish(ctx, TopicShares, strconv.FormatInt(event.MinerID, 10), event)
}

// PublishBlock records a round-closing block on the bus.
func (p *Publisher) PublishBlock(ctx context.Context, event BlockEvent) error {
	return p.publish(ctx, TopicBlocks, strconv.FormatInt(event.BlockHeight, 10), event)
}

// PublishPayment records a payment intent on the bus.
func (p *Publisher) PublishPayment(ctx context.Context, event PaymentEvent) error {
	return p.publish(ctx, TopicPayments, strconv.FormatInt(event.MinerID, 10), event)
}

// HashHex renders a share hash for the wire.
func HashHex(hash [32]byte) string {
	return hex.EncodeToString(hash[:])
}

// JSONHandler handles one decoded JSON message from a consumer loop. The
// raw value is passed so handlers can decode into the event type their
// topic carries.
type JSONHandler interface {
	HandleJSON(ctx context.Context, key string, value []byte) error
}

// JSONHandlerFunc adapts a function to JSONHandler.
type JSONHandlerFunc func(ctx context.Context, key string, value []byte) error

// HandleJSON implements JSONHandler.
func (f JSONHandlerFunc) HandleJSON(ctx context.Context, key string, value []byte) error {
	return f(ctx, key, value)
}

// StartJSONConsumer runs a consumer loop over a topic, handing each raw
// message to handler. Handler errors are logged and the loop continues;
// only context cancellation stops it.
func (k *KafkaClient) StartJSONConsumer(ctx context.Context, topic, groupID string, handler JSONHandler) error {
	reader := k.GetConsumer(topic, groupID)
	defer func() {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close Kafka reader", "error", err)
		}
	}()

	k.logger.Info("starting JSON consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		msg, err := k.readMessage(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("failed to read message", "topic", topic, "error", err)
			continue
		}

		if err := handler.HandleJSON(ctx, string(msg.Key), msg.Value); err != nil {
			k.logger.Error("failed to handle message", "topic", topic, "key", string(msg.Key), "error", err)
		}
	}
}

// readMessage reads one raw message through the shared circuit breaker and
// retry policy.
func (k *KafkaClient) readMessage(ctx context.Context, reader *kafka.Reader) (kafka.Message, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			return msg, nil
		})
	})
}
