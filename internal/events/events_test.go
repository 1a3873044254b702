package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	declared   []string
	published  []amqp091.Publishing
	keys       []string
	publishErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestEventJSON(t *testing.T) {
	e := New(ExpenseUpdated, 7, "u1", 3)

	data, err := e.ToJSON()
	require.NoError(t, err)

	var decoded Event
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, ExpenseUpdated, decoded.Type)
	assert.Equal(t, int64(7), decoded.ExpenseID)
	assert.Equal(t, "u1", decoded.UserID)
	assert.Equal(t, int64(3), decoded.Version)
	assert.True(t, e.Timestamp.Equal(decoded.Timestamp))
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "expenses", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"expenses:topic"}, ch.declared)

	err = p.Publish(context.Background(), New(ExpenseCreated, 1, "u1", 1))
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	assert.Equal(t, []string{"expenses/expense.created"}, ch.keys)
	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)

	var decoded Event
	err = json.Unmarshal(msg.Body, &decoded)
	require.NoError(t, err)
	assert.Equal(t, int64(1), decoded.ExpenseID)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	p, err := newAMQPPublisher(ch, "expenses", zerolog.Nop())
	require.NoError(t, err)

	err = p.Publish(context.Background(), New(ExpenseDeleted, 1, "u1", 0))
	assert.ErrorContains(t, err, "publish expense.deleted")
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Publish(context.Background(), New(ExpenseCreated, 1, "u1", 1)))
}
