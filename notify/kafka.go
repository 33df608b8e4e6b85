package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Shopify/sarama"

	"github.com/oh0123/prim/tools/errs"
)

// Kafka 同步生产者。Key 用接收方账号，同一账号的事件落同一分区，
// 通知模块按序消费即可。
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
}

func buildConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // ★ Key 控制分区
	cfg.Producer.Compression = sarama.CompressionSnappy

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errs.New("kafka brokers empty")
	}
	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		return nil, errs.WrapMsg(err, "sarama config validate")
	}
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "new sync producer")
	}
	return &Kafka{producer: p, topic: topic}, nil
}

func (k *Kafka) OfflineStored(_ context.Context, ev Event) error {
	raw, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(ev.Receiver, 10)),
		Value: sarama.ByteEncoder(raw),
	})
	return errs.WrapMsg(err, "send offline notify", "receiver", ev.Receiver)
}

func (k *Kafka) Close() error { return k.producer.Close() }
