package kafkafeed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/IBM/sarama"
)

// Publisher sends beacons to the topic through an async producer. Messages
// are keyed by page so one page's beacons stay on one partition.
type Publisher struct {
	log     *slog.Logger
	topic   string
	beacons chan WireBeacon
	prod    sarama.AsyncProducer
	dropped atomic.Int64
	stopped chan struct{}
	errDone chan struct{}
}

func NewPublisher(cfg Config, log *slog.Logger) (*Publisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("beacon publisher: create async producer: %w", err)
	}
	return newPublisher(prod, cfg.Topic, cfg.PublishQueue, log), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		log:     log,
		topic:   topic,
		beacons: make(chan WireBeacon, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for w := range p.beacons {
			b, err := json.Marshal(w)
			if err != nil {
				p.log.Error("beacon publisher: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(w.Page().Key()),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("beacon publisher: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues w without blocking. It reports false when the queue was
// full and the beacon was dropped.
func (p *Publisher) Publish(w WireBeacon) bool {
	select {
	case p.beacons <- w:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) Close() error {
	close(p.beacons)
	<-p.stopped

	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("beacon publisher: close producer: %w", err)
	}
	return nil
}
