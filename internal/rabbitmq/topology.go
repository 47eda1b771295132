package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager declares exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a set of declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// DestinationSpec describes a bus destination and the queues around it
type DestinationSpec struct {
	Exchange    string
	Queue       string
	RetryQueue  string
	RetryDelay  time.Duration
	ErrorQueue  string
	AuditQueue  string
	Durable     bool
	Exclusive   bool
	AutoDelete  bool
	MaxPriority uint8
}

// DestinationTopology builds the declarations for a destination. Publishes
// go through a durable topic exchange. The retry queue has no consumers:
// messages wait out its TTL and are dead-lettered back onto the destination
// through the default exchange.
func DestinationTopology(spec DestinationSpec) Topology {
	var topo Topology

	if spec.Exchange != "" {
		topo.Exchanges = append(topo.Exchanges, ExchangeDeclaration{
			Name:    spec.Exchange,
			Type:    amqp.ExchangeTopic,
			Durable: true,
		})
	}

	main := QueueDeclaration{
		Name:       spec.Queue,
		Durable:    spec.Durable,
		Exclusive:  spec.Exclusive,
		AutoDelete: spec.AutoDelete,
	}
	if spec.MaxPriority > 0 {
		main.Arguments = amqp.Table{"x-max-priority": int32(spec.MaxPriority)}
	}
	topo.Queues = append(topo.Queues, main)

	if spec.RetryQueue != "" {
		topo.Queues = append(topo.Queues, QueueDeclaration{
			Name:    spec.RetryQueue,
			Durable: true,
			Arguments: amqp.Table{
				"x-message-ttl":             spec.RetryDelay.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": spec.Queue,
			},
		})
	}

	for _, sink := range []string{spec.ErrorQueue, spec.AuditQueue} {
		if sink != "" {
			topo.Queues = append(topo.Queues, QueueDeclaration{Name: sink, Durable: true})
		}
	}

	return topo
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareTopology declares the complete topology
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, exchange := range topology.Exchanges {
			if err := ch.ExchangeDeclare(exchange.Name, exchange.Type, exchange.Durable, exchange.AutoDelete, false, false, exchange.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: exchange.Name, Err: err}
			}
		}

		for _, queue := range topology.Queues {
			if _, err := ch.QueueDeclare(queue.Name, queue.Durable, queue.AutoDelete, queue.Exclusive, false, queue.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: queue.Name, Err: err}
			}
		}

		for _, binding := range topology.Bindings {
			if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
				return &TopologyError{Component: "binding", Name: binding.Queue + "/" + binding.RoutingKey, Err: err}
			}
		}

		return nil
	})
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		return ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments)
	})
}

// UnbindQueue removes a queue binding
func (tm *TopologyManager) UnbindQueue(ctx context.Context, binding Binding) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		return ch.QueueUnbind(binding.Queue, binding.RoutingKey, binding.Exchange, binding.Arguments)
	})
}

// QueueDepth returns the number of ready messages in a queue
func (tm *TopologyManager) QueueDepth(ctx context.Context, name string) (int, error) {
	var depth int
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		q, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}
