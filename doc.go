// Package cqrsflow is a command and event messaging runtime built on Watermill.
//
// A caller sends a command through the CommandBus. A distributor reads the
// shared command queue and forwards each command to one of the worker
// queues, keyed so that commands for the same aggregate land on the same
// worker. The consumer on that worker runs the registered handler, records
// the command and the events it produced in the message store, publishes
// the events, and replies when the caller asked for a reply.
//
//	bus ─▶ command queue ─▶ distributor ─▶ worker queue ─▶ consumer
//	                                                          │
//	                                  reply topic ◀───────────┤
//	                                  event topic ◀───────────┘
//
// Service wires these parts from a Config. The transport is picked by
// Config.PubSubSystem from the bundled adapters:
//   - channel: in-process Go channels, for tests and single-binary setups
//   - kafka: partitioned streams with consumer groups
//   - rabbitmq: durable AMQP queues
//   - nats: NATS core subjects
//   - aws: SNS topics fanned out to SQS queues
//   - http: push delivery over HTTP
//   - sql: polling queue tables in PostgreSQL or SQLite
//
// Handlers are typed. A payload declares its type tag with a MessageType
// method and is encoded as JSON or protobuf:
//
//	type PlaceOrder struct{ OrderID string }
//
//	func (PlaceOrder) MessageType() string { return "orders.PlaceOrder" }
//
//	svc, err := cqrsflow.NewService(ctx, conf, cqrsflow.NewDefaultLogger(), cqrsflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	defer svc.Close(ctx)
//
//	err = cqrsflow.HandleCommand(svc, func(ctx context.Context, mc cqrsflow.MessageContext, cmd *PlaceOrder) (cqrsflow.Result, error) {
//		return cqrsflow.Success(nil, cqrsflow.NewEvent(cmd.OrderID, "order", &OrderPlaced{OrderID: cmd.OrderID})), nil
//	})
//
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	reply, err := svc.Bus().Send(ctx, &PlaceOrder{OrderID: "o-1"}, cqrsflow.WithKey("o-1"), cqrsflow.WithReply(5*time.Second))
//
// Commands that carry a SagaInfo can update long-running saga state through
// UpdateSaga. The state is versioned, and concurrent updates are retried
// under a lock.
//
// When metrics are enabled the Service serves Prometheus metrics and JSON
// introspection endpoints (registered handlers, dead letters, event handler
// failures, process resources) on Config.MetricsPort.
package cqrsflow
