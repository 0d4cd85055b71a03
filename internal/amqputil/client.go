package amqputil

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
)

type QueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

// QueueDeclare proxies [amqp091.Channel.QueueDeclare].
func QueueDeclare(ch *amqp091.Channel, params *QueueDeclareParams) (amqp091.Queue, error) {
	return ch.QueueDeclare(
		params.Name,
		params.Durable,
		params.AutoDelete,
		params.Exclusive,
		params.NoWait,
		params.Args,
	)
}

// Client publishes messages, connecting to the broker for each publish.
type Client struct {
	connectionString   string
	queueDeclareParams *QueueDeclareParams
}

func NewClient(connectionString string, queueDeclareParams *QueueDeclareParams) *Client {
	return &Client{
		connectionString:   connectionString,
		queueDeclareParams: queueDeclareParams,
	}
}

// Publish declares the client's queue and proxies [amqp091.Channel.PublishWithContext].
func (cli *Client) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err = QueueDeclare(ch, cli.queueDeclareParams); err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}
