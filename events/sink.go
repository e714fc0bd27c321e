package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"build-earn/domain"
)

// Sink delivers a single task event to a downstream system.
type Sink interface {
	Deliver(ctx context.Context, ev domain.TaskEvent) error
}

type queueClient interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueSink writes events as JSON messages to an Azure Storage queue.
type QueueSink struct {
	queue queueClient
}

func NewQueueSink(connStr, queueName string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: q}, nil
}

// EnsureQueue creates the queue if it does not exist yet.
func (s *QueueSink) EnsureQueue(ctx context.Context) error {
	_, err := s.queue.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

func (s *QueueSink) Deliver(ctx context.Context, ev domain.TaskEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink produces events to a Kafka topic keyed by task id, so all
// events of one task land on the same partition.
type KafkaSink struct {
	client producer
	topic  string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) Deliver(ctx context.Context, ev domain.TaskEvent) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic:   s.topic,
		Key:     []byte(ev.TaskID),
		Value:   data,
		Headers: []kgo.RecordHeader{{Key: "type", Value: []byte(ev.Type)}},
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() {
	s.client.Close()
}

// LogSink writes events to the log. It backs EVENTS_BACKEND=none.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Deliver(_ context.Context, ev domain.TaskEvent) error {
	s.Logger.WithFields(log.Fields{
		"task":   ev.TaskID,
		"event":  ev.Type,
		"status": ev.Status,
		"tx":     ev.TxHash,
	}).Debug("task.event")
	return nil
}
