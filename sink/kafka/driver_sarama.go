// Package kafka publishes log table records to a Kafka topic as JSON.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"rowflow/internal/config"
	"rowflow/internal/logtable"
	"rowflow/sink"
)

type message struct {
	Table  string         `json:"table"`
	Code   string         `json:"code"`
	Record map[string]any `json:"record"`
}

type driver struct {
	topic string
	p     sarama.SyncProducer
}

// NewWithProducer wraps an existing producer; Close closes it.
func NewWithProducer(p sarama.SyncProducer, topic string) sink.Adapter {
	return &driver{topic: topic, p: p}
}

func (d *driver) Configure(c config.Connection) error {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return fmt.Errorf("kafka-sink: brokers and topic are required")
	}
	d.topic = c.Topic

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	if c.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(c.RequiredAcks)
	}
	sc.Producer.Return.Successes = true
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return fmt.Errorf("kafka-sink: %w", err)
		}
		sc.Version = v
	}
	var err error
	d.p, err = sarama.NewSyncProducer(c.Brokers, sc)
	return err
}

// Write keys each message by table and record key, so successive snapshots
// of one run land on the same partition.
func (d *driver) Write(_ context.Context, t *logtable.Table, rec logtable.Record) error {
	b, err := json.Marshal(message{Table: t.QualifiedName(), Code: t.Code, Record: rec.Map()})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: d.topic, Value: sarama.ByteEncoder(b)}
	if _, key, ok := t.Key(rec); ok {
		msg.Key = sarama.StringEncoder(fmt.Sprintf("%s/%v", t.QualifiedName(), key))
	}
	_, _, err = d.p.SendMessage(msg)
	return err
}

func (d *driver) Close() error {
	if d.p == nil {
		return nil
	}
	return d.p.Close()
}

func init() { sink.Register("kafka", func() sink.Adapter { return &driver{} }) }
