package message

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"

	"github.com/charging-platform/csms-core/internal/config"
	"github.com/charging-platform/csms-core/internal/domain/events"
	"github.com/charging-platform/csms-core/internal/logger"
)

// KafkaNotifier 基于Kafka的事件通知器，发后即忘
// 以充电站ID为分区键，同一站的事件保持顺序
type KafkaNotifier struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewKafkaNotifier 创建Kafka通知器
func NewKafkaNotifier(cfg config.KafkaConfig, log *logger.Logger) (*KafkaNotifier, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = cfg.RetryMax
	saramaConfig.Producer.Flush.Frequency = cfg.FlushFrequency
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	n := &KafkaNotifier{
		producer: producer,
		topic:    cfg.NotificationTopic,
		logger:   log.WithComponent("kafka-notifier"),
		done:     make(chan struct{}),
	}

	n.wg.Add(1)
	go n.drainErrors()
	return n, nil
}

// drainErrors 投递失败只记日志，不反压业务
func (n *KafkaNotifier) drainErrors() {
	defer n.wg.Done()
	for {
		select {
		case err, ok := <-n.producer.Errors():
			if !ok {
				return
			}
			n.logger.Errorf("failed to publish event: %v", err)
		case <-n.done:
			return
		}
	}
}

// Notify 发布一条业务事件
func (n *KafkaNotifier) Notify(ctx context.Context, event events.Event) error {
	payload, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event %s: %w", event.GetType(), err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(event.GetStationID()),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.GetType())},
			{Key: []byte("event_id"), Value: []byte(event.GetID())},
		},
	}

	select {
	case n.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭通知器
func (n *KafkaNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		err = n.producer.Close()
		n.wg.Wait()
	})
	return err
}
