package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/0xSoftBoi/base-usdc-monitor/internal/domain/model"
)

// KafkaChannel publishes alerts onto a Kafka topic so downstream ops
// tooling can consume the alert stream. Messages are keyed by dedup_key,
// which keeps redeliveries of one alert in one partition.
type KafkaChannel struct {
	topic    string
	producer sarama.SyncProducer
}

func NewKafkaChannel(brokers []string, topic string, cfg *sarama.Config) (*KafkaChannel, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaChannel{topic: topic, producer: producer}, nil
}

func (k *KafkaChannel) Name() string { return "kafka" }

func (k *KafkaChannel) Close() error {
	return k.producer.Close()
}

type kafkaEnvelope struct {
	DedupKey    string   `json:"dedup_key"`
	Type        string   `json:"type"`
	Severity    string   `json:"severity"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons,omitempty"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint     `json:"log_index"`
	BlockNumber uint64   `json:"block_number"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Amount      string   `json:"amount"`
	TS          int64    `json:"ts"`
}

func (k *KafkaChannel) Send(ctx context.Context, a model.Alert) (bool, bool, error) {
	if err := ctx.Err(); err != nil {
		return false, false, err
	}

	env := kafkaEnvelope{
		DedupKey:    a.DedupKey,
		Type:        string(a.Type),
		Severity:    string(a.Severity),
		Score:       a.Score,
		Reasons:     a.Reasons,
		TxHash:      a.Transfer.TxHash,
		LogIndex:    a.Transfer.LogIndex,
		BlockNumber: a.Transfer.BlockNumber,
		From:        a.Transfer.FromAddress,
		To:          a.Transfer.ToAddress,
		Amount:      a.Transfer.AmountRaw,
		TS:          time.Now().UnixMilli(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return false, false, fmt.Errorf("marshal kafka envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(a.DedupKey),
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		// Broker unavailability is the dominant failure mode here.
		return false, true, fmt.Errorf("kafka publish: %w", err)
	}
	return true, false, nil
}
