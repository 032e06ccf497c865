// Package events 供应商健康状态变更事件发布
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ramp-aggregator/provider-router/internal/services"
	"ramp-aggregator/provider-router/internal/types"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
)

// HealthTransition 健康状态翻转事件
type HealthTransition struct {
	EventID             string    `json:"event_id"`
	ProviderID          string    `json:"provider_id"`
	IsHealthy           bool      `json:"is_healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Source              string    `json:"source"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// HealthPublisher 把健康状态翻转发布到Kafka
// 监听回调只负责入队，写入由后台协程完成，队列满时丢弃并记录日志
type HealthPublisher struct {
	writer messageWriter
	queue  chan kafka.Message
	logger *logrus.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewHealthPublisher 创建Kafka健康事件发布器
func NewHealthPublisher(cfg types.KafkaConfig, logger *logrus.Logger) *HealthPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.HealthTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newHealthPublisher(writer, defaultQueueSize, logger)
}

func newHealthPublisher(writer messageWriter, queueSize int, logger *logrus.Logger) *HealthPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &HealthPublisher{
		writer: writer,
		queue:  make(chan kafka.Message, queueSize),
		logger: logger,
	}

	p.wg.Add(1)
	go p.loop()
	return p
}

// OnHealthEvent 健康监听回调，只发布健康标志翻转的事件
func (p *HealthPublisher) OnHealthEvent(event services.HealthEvent) {
	if !event.Transitioned() {
		return
	}

	transition := HealthTransition{
		EventID:             uuid.New().String(),
		ProviderID:          event.Current.ProviderID,
		IsHealthy:           event.Current.IsHealthy,
		ConsecutiveFailures: event.Current.ConsecutiveFailures,
		LastError:           event.Current.LastError,
		Source:              event.Source,
		OccurredAt:          event.Current.LastCheckedAt,
	}

	value, err := json.Marshal(transition)
	if err != nil {
		p.logger.Errorf("序列化健康事件失败: %v", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(transition.ProviderID),
		Value: value,
		Time:  transition.OccurredAt,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- msg:
	default:
		p.logger.Warnf("[%s] ⚠️ 健康事件队列已满，丢弃事件", transition.ProviderID)
	}
}

func (p *HealthPublisher) loop() {
	defer p.wg.Done()

	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		err := p.writer.WriteMessages(ctx, msg)
		cancel()

		if err != nil {
			p.logger.Warnf("[%s] 发布健康事件失败: %v", string(msg.Key), err)
			continue
		}
		p.logger.Debugf("[%s] 📤 已发布健康事件", string(msg.Key))
	}
}

// Close 停止接收事件，写完队列中剩余的事件后关闭writer
func (p *HealthPublisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()

		p.wg.Wait()
		err = p.writer.Close()
	})
	return err
}
