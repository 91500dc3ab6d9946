package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	"rowflow/internal/logging"
)

func init() {
	Register("sarama", func() Adapter { return &SaramaDriver{} })
}

var errLimitReached = errors.New("kafka: message limit reached")

// SaramaDriver consumes through a consumer group when GroupID is set and
// through plain partition consumers otherwise.
type SaramaDriver struct {
	cfg      Config
	cl       sarama.Client
	group    sarama.ConsumerGroup
	consumer sarama.Consumer
	emitted  atomic.Int64
}

// NewSaramaDriverWithConsumer builds a partition-consumer driver around an
// existing consumer; Configure then skips dialing.
func NewSaramaDriverWithConsumer(c sarama.Consumer) *SaramaDriver {
	return &SaramaDriver{consumer: c}
}

func saramaConfig(config Config) (*sarama.Config, error) {
	ver, err := sarama.ParseKafkaVersion(config.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	if config.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if config.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = config.SASLUser, config.SASLPass
	}
	sc.Consumer.Offsets.Initial = initialOffset(config)
	return sc, nil
}

func initialOffset(c Config) int64 {
	if c.StartFrom == "oldest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

func (d *SaramaDriver) Configure(config Config) error {
	if err := config.validate(); err != nil {
		return err
	}
	d.cfg = config
	if d.consumer != nil {
		return nil
	}
	sc, err := saramaConfig(config)
	if err != nil {
		return err
	}
	if d.cl, err = sarama.NewClient(config.Brokers, sc); err != nil {
		return err
	}
	if config.GroupID != "" {
		d.group, err = sarama.NewConsumerGroupFromClient(config.GroupID, d.cl)
		return err
	}
	d.consumer, err = sarama.NewConsumerFromClient(d.cl)
	return err
}

// Run emits messages until ctx ends or the message limit is reached.
func (d *SaramaDriver) Run(ctx context.Context, emit EmitFunc) error {
	var err error
	if d.group != nil {
		err = d.runGroup(ctx, emit)
	} else {
		err = d.runPartitions(ctx, emit)
	}
	if errors.Is(err, errLimitReached) {
		return nil
	}
	return err
}

// emit forwards m and reports errLimitReached once MaxMessages went out.
func (d *SaramaDriver) emit(emit EmitFunc, m Message) error {
	if err := emit(m); err != nil {
		return err
	}
	if n := d.emitted.Add(1); d.cfg.MaxMessages > 0 && n >= d.cfg.MaxMessages {
		return errLimitReached
	}
	return nil
}

func (d *SaramaDriver) runGroup(ctx context.Context, emit EmitFunc) error {
	handler := &groupHandler{driver: d, emit: emit}
	go func() {
		for err := range d.group.Errors() {
			logging.L().Warn("kafka consumer group error", "group", d.cfg.GroupID, "err", err)
		}
	}()
	for {
		if err := d.group.Consume(ctx, d.cfg.Topics, handler); err != nil {
			return err
		}
		if err := handler.failed(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (d *SaramaDriver) runPartitions(ctx context.Context, emit EmitFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan *sarama.ConsumerMessage, d.cfg.Buffer)
	var wg sync.WaitGroup
	var pcs []sarama.PartitionConsumer
	defer func() {
		cancel()
		for _, pc := range pcs {
			pc.AsyncClose()
		}
		wg.Wait()
	}()

	for _, topic := range d.cfg.Topics {
		parts, err := d.consumer.Partitions(topic)
		if err != nil {
			return err
		}
		for _, p := range parts {
			pc, err := d.consumer.ConsumePartition(topic, p, initialOffset(d.cfg))
			if err != nil {
				return err
			}
			pcs = append(pcs, pc)
			wg.Add(2)
			go func() {
				defer wg.Done()
				for msg := range pc.Messages() {
					select {
					case msgs <- msg:
					case <-ctx.Done():
						return
					}
				}
			}()
			go func() {
				defer wg.Done()
				for err := range pc.Errors() {
					logging.L().Warn("kafka partition error", "topic", err.Topic, "partition", err.Partition, "err", err.Err)
				}
			}()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-msgs:
			if err := d.emit(emit, fromSarama(msg)); err != nil {
				return err
			}
		}
	}
}

func (d *SaramaDriver) Close() error {
	var errs []error
	if d.group != nil {
		errs = append(errs, d.group.Close())
	}
	// an injected consumer belongs to the caller
	if d.consumer != nil && d.cl != nil {
		errs = append(errs, d.consumer.Close())
	}
	if d.cl != nil && !d.cl.Closed() {
		errs = append(errs, d.cl.Close())
	}
	return errors.Join(errs...)
}

// groupHandler serializes emits across claims; the row emitter is not
// safe for concurrent use.
type groupHandler struct {
	driver *SaramaDriver
	emit   EmitFunc

	mu  sync.Mutex
	err error
}

func (h *groupHandler) failed() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (*groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (*groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.mu.Lock()
			err := h.err
			if err == nil {
				err = h.driver.emit(h.emit, fromSarama(msg))
				if err == nil || errors.Is(err, errLimitReached) {
					sess.MarkMessage(msg, "")
				}
				h.err = err
			}
			h.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func fromSarama(msg *sarama.ConsumerMessage) Message {
	return Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
		Headers:   toHeaderMap(msg.Headers),
	}
}

func toHeaderMap(src []*sarama.RecordHeader) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(src))
	for _, h := range src {
		out[string(h.Key)] = h.Value
	}
	return out
}
