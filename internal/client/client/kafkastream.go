package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaOptions struct {
	Brokers   []string
	Topic     string
	Partition int
	MaxWait   time.Duration
}

// messageReader is the subset of *kafka.Reader the stream uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	SetOffset(offset int64) error
	Close() error
}

// KafkaStream reads change events from one topic partition. Each message
// value is a single event; the cursor is the offset of the last message
// handed out, so a subscription resumes at cursor+1.
type KafkaStream struct {
	opts      KafkaOptions
	newReader func(kafka.ReaderConfig) messageReader
}

func NewKafkaStream(opts KafkaOptions) *KafkaStream {
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Second
	}
	return &KafkaStream{
		opts: opts,
		newReader: func(cfg kafka.ReaderConfig) messageReader {
			return kafka.NewReader(cfg)
		},
	}
}

// kafkaOffset returns the offset a subscription starts reading from.
func kafkaOffset(cursor string) (int64, error) {
	if cursor == "" {
		return kafka.FirstOffset, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid kafka cursor %q", cursor)
	}
	return n + 1, nil
}

func (k *KafkaStream) Subscribe(ctx context.Context, cursor string) (Subscription, error) {
	if len(k.opts.Brokers) == 0 || k.opts.Topic == "" {
		return nil, errors.New("kafka stream needs brokers and a topic")
	}
	offset, err := kafkaOffset(cursor)
	if err != nil {
		return nil, err
	}

	r := k.newReader(kafka.ReaderConfig{
		Brokers:   k.opts.Brokers,
		Topic:     k.opts.Topic,
		Partition: k.opts.Partition,
		MinBytes:  1,
		MaxBytes:  10 << 20,
		MaxWait:   k.opts.MaxWait,
	})
	if err := r.SetOffset(offset); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &kafkaSubscription{reader: r}, nil
}

type kafkaSubscription struct {
	reader    messageReader
	closeOnce sync.Once
	closeErr  error
}

func (s *kafkaSubscription) Next(ctx context.Context) (*Batch, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: reader closed", ErrUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cursor := strconv.FormatInt(msg.Offset, 10)
	if !json.Valid(msg.Value) {
		return &Batch{Cursor: cursor}, nil
	}
	return &Batch{Events: []json.RawMessage{msg.Value}, Cursor: cursor}, nil
}

func (s *kafkaSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.reader.Close()
	})
	return s.closeErr
}
