package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 5 * time.Second

// KafkaSink mirrors bus notifications onto a Kafka topic. Delivery is
// fire-and-forget: broker failures are logged, never surfaced to the
// coordinator's write path.
type KafkaSink struct {
	writer *kafka.Writer
	cancel func()
	done   chan struct{}
}

// StartKafkaSink subscribes to the bus and forwards every notification to
// the given brokers/topic until Stop is called.
func StartKafkaSink(bus *Bus, brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	ch, cancel := bus.Subscribe()
	s := &KafkaSink{writer: w, cancel: cancel, done: make(chan struct{})}
	go s.run(ch)
	return s
}

func (s *KafkaSink) run(ch <-chan Notification) {
	defer close(s.done)
	for n := range ch {
		data, err := json.Marshal(n)
		if err != nil {
			log.Printf("kafka sink: marshal notification: %v", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
		err = s.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(n.AgentID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "topic", Value: []byte(n.Topic)},
				{Key: "type", Value: []byte(n.Type)},
			},
		})
		cancel()
		if err != nil {
			log.Printf("kafka sink: write %s failed: %v", n.Type, err)
		}
	}
}

// Stop unsubscribes from the bus, drains, and closes the writer.
func (s *KafkaSink) Stop() {
	s.cancel()
	<-s.done
	if err := s.writer.Close(); err != nil {
		log.Printf("kafka sink: close writer: %v", err)
	}
}
