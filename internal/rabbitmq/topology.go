package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares, inspects and deletes queues
type TopologyManager struct {
	manager *ConnectionManager
	pool    *ChannelPool
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// NewTopologyManager creates a topology manager
func NewTopologyManager(manager *ConnectionManager, pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		manager: manager,
		pool:    pool,
	}
}

// DeclareQueue declares a queue. Redeclaring with the same arguments is a no-op.
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) error {
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	if err != nil {
		return tm.topologyError("declare", queue.Name, err)
	}
	return nil
}

// QueueExists checks for a queue with a passive declare. The broker closes the
// channel when the queue is missing, so a throwaway channel is used.
func (tm *TopologyManager) QueueExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ch, err := tm.manager.Channel()
	if err != nil {
		return false, tm.topologyError("inspect", name, err)
	}
	defer func() {
		if !ch.IsClosed() {
			ch.Close()
		}
	}()

	_, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, tm.topologyError("inspect", name, err)
}

// DeleteQueue deletes a queue whether or not it has consumers or messages.
// Deleting a missing queue succeeds.
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string) error {
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		_, err := ch.QueueDelete(name, false, false, false)
		return err
	})
	if err != nil && !IsNotFound(err) {
		return tm.topologyError("delete", name, err)
	}
	return nil
}

func (tm *TopologyManager) topologyError(op, name string, err error) error {
	return &TopologyError{
		Component: "queue",
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
