package client

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	msgs     []kafka.Message
	fetchErr error
	setErr   error
	offset   int64
	closed   int
	cfg      kafka.ReaderConfig
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if len(f.msgs) == 0 {
		if f.fetchErr != nil {
			return kafka.Message{}, f.fetchErr
		}
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeReader) SetOffset(offset int64) error {
	f.offset = offset
	return f.setErr
}

func (f *fakeReader) Close() error {
	f.closed++
	return nil
}

func newFakeKafka(r *fakeReader) *KafkaStream {
	k := NewKafkaStream(KafkaOptions{Brokers: []string{"broker:9092"}, Topic: "changes"})
	k.newReader = func(cfg kafka.ReaderConfig) messageReader {
		r.cfg = cfg
		return r
	}
	return k
}

func TestKafkaOffset(t *testing.T) {
	off, err := kafkaOffset("")
	require.NoError(t, err)
	assert.Equal(t, kafka.FirstOffset, off)

	off, err = kafkaOffset("41")
	require.NoError(t, err)
	assert.Equal(t, int64(42), off)

	_, err = kafkaOffset("abc")
	assert.Error(t, err)
	_, err = kafkaOffset("-3")
	assert.Error(t, err)
}

func TestKafkaStream_ResumesAfterCursor(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		{Offset: 8, Value: []byte(`{"eventId":"e8","type":"mutation"}`)},
		{Offset: 9, Value: []byte(`not json`)},
	}}
	k := newFakeKafka(r)

	sub, err := k.Subscribe(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, int64(8), r.offset)
	assert.Equal(t, "changes", r.cfg.Topic)

	b, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Events, 1)
	assert.Equal(t, "8", b.Cursor)

	b, err = sub.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, b.Events)
	assert.Equal(t, "9", b.Cursor)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 1, r.closed)
}

func TestKafkaStream_SubscribeErrors(t *testing.T) {
	_, err := NewKafkaStream(KafkaOptions{}).Subscribe(context.Background(), "")
	assert.Error(t, err)

	r := &fakeReader{setErr: errors.New("no leader")}
	_, err = newFakeKafka(r).Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, r.closed)
}

func TestKafkaStream_NextHonoursContext(t *testing.T) {
	r := &fakeReader{fetchErr: errors.New("broker gone")}
	sub, err := newFakeKafka(r).Subscribe(context.Background(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, ClassTransient, Classify(err))
}
