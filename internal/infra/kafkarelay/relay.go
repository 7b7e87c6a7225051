// Package kafkarelay relays progress events through a single Kafka topic.
// Events are keyed by task id so one task's events share a partition and
// keep their order; every instance reads all partitions from the newest
// offset and keeps only tasks it watches.
package kafkarelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"taskrelay/pkg/backoff"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

var _ ports.Relay = (*Relay)(nil)

type envelope struct {
	Origin string               `json:"origin"`
	Event  domain.ProgressEvent `json:"event"`
}

type Relay struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	origin   string
	log      zerolog.Logger

	// retryBase is the base delay before partition consumers are set up
	// again after a failure.
	retryBase time.Duration

	mu      sync.RWMutex
	watched map[string]struct{}
}

var errPartitionClosed = errors.New("partition consumer closed")

func New(brokers []string, topic, origin string, log zerolog.Logger) (*Relay, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return NewWithClients(producer, consumer, topic, origin, log), nil
}

func NewWithClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic, origin string, log zerolog.Logger) *Relay {
	return &Relay{
		producer:  producer,
		consumer:  consumer,
		topic:     topic,
		origin:    origin,
		log:       log.With().Str("component", "kafka_relay").Logger(),
		retryBase: 500 * time.Millisecond,
		watched:   make(map[string]struct{}),
	}
}

func (r *Relay) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return err
	}
	_, _, err = r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(ev.TaskID),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (r *Relay) Watch(taskID string) {
	r.mu.Lock()
	r.watched[taskID] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) Unwatch(taskID string) {
	r.mu.Lock()
	delete(r.watched, taskID)
	r.mu.Unlock()
}

// Listen consumes every partition of the topic until ctx is done. When the
// partition list cannot be read, a partition cannot be opened or one of its
// consumers stops, all of them are torn down and set up again with backoff.
func (r *Relay) Listen(ctx context.Context, deliver func(domain.ProgressEvent)) error {
	for attempt := 1; ; attempt++ {
		err := r.listenOnce(ctx, deliver)
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.ExponentialJitter(r.retryBase, 30*time.Second, attempt)
		r.log.Warn().Err(err).Dur("retry_in", delay).Msg("relay listener interrupted")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (r *Relay) listenOnce(ctx context.Context, deliver func(domain.ProgressEvent)) error {
	partitions, err := r.consumer.Partitions(r.topic)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", r.topic)
	}

	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := r.consumer.ConsumePartition(r.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, open := range pcs {
				open.AsyncClose()
			}
			return fmt.Errorf("consume partition %d: %w", p, err)
		}
		pcs = append(pcs, pc)
	}
	r.log.Info().Int("partitions", len(partitions)).Str("topic", r.topic).Msg("relay listener started")

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		once sync.Once
		lost error
	)
	for i, pc := range pcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.consume(lctx, pc, deliver); err != nil {
				once.Do(func() { lost = fmt.Errorf("partition %d: %w", partitions[i], err) })
				cancel()
			}
		}()
	}
	wg.Wait()

	if lost != nil && ctx.Err() == nil {
		return lost
	}
	return ctx.Err()
}

func (r *Relay) consume(ctx context.Context, pc sarama.PartitionConsumer, deliver func(domain.ProgressEvent)) error {
	defer pc.AsyncClose()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-pc.Messages():
			if !ok {
				return errPartitionClosed
			}
			r.handle(msg, deliver)
		}
	}
}

func (r *Relay) handle(msg *sarama.ConsumerMessage, deliver func(domain.ProgressEvent)) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		r.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed relay message")
		return
	}
	if env.Origin == r.origin {
		return
	}

	r.mu.RLock()
	_, watched := r.watched[env.Event.TaskID]
	r.mu.RUnlock()
	if watched {
		deliver(env.Event)
	}
}

func (r *Relay) Close() error {
	perr := r.producer.Close()
	cerr := r.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
