/*
Package runtime hosts the command and event infrastructure of one process.

# Architecture Overview

Commands travel from a CommandBus to the distributor's command queue. The
distributor forwards each command unchanged to one worker queue, chosen by
hashing its routing key. A consumer on that queue runs the registered
handler once per message id, records the command and the events it
produced, publishes those events, and sends the reply the caller waits for.

	bus ──► command queue ──► distributor ──► worker queue ──► consumer
	 ▲                                                          │
	 └────────────── reply topic ◄──────────────────────────────┤
	                                 event topic ◄──────────────┘
	                                      │
	                                      ▼
	                               event subscriber

# Sub-packages

  - bus/: command sending and reply correlation
  - codec/: payload encoding and type tags
  - config/: configuration loading and validation
  - consumer/: exactly-once command handling
  - distributor/: key-affine routing to worker queues
  - envelope/: message envelope and causation chain
  - errors/: sentinel and typed errors
  - events/: event publishing and fan-out delivery
  - handlers/: handler registries and results
  - lifecycle/: router start and stop
  - logging/: logger interface and adapters
  - metrics/: Prometheus collectors
  - middleware/: router middleware and hooks
  - saga/: saga state, locks, and coordination
  - store/: message store and its SQL implementation
  - uow/: unit-of-work transaction boundary

# Usage Example

	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	err = runtime.HandleCommand(svc, func(ctx context.Context, mc handlers.MessageContext, cmd *PlaceOrder) (handlers.Result, error) {
		return handlers.Success(OrderPlaced{ID: cmd.ID}, handlers.NewEvent(cmd.ID, "order", OrderPlaced{ID: cmd.ID})), nil
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	reply, err := svc.Bus().Send(ctx, &PlaceOrder{ID: "o-1"}, bus.WithKey("o-1"), bus.WithReply(5*time.Second))
*/
package runtime
