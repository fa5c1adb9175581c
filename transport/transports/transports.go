// Package transports imports every bundled broker adapter so each registers
// itself with the default registry.
package transports

import (
	_ "github.com/drblury/cqrsflow/transport/aws"
	_ "github.com/drblury/cqrsflow/transport/channel"
	_ "github.com/drblury/cqrsflow/transport/http"
	_ "github.com/drblury/cqrsflow/transport/kafka"
	_ "github.com/drblury/cqrsflow/transport/nats"
	_ "github.com/drblury/cqrsflow/transport/rabbitmq"
	_ "github.com/drblury/cqrsflow/transport/sqlqueue"
)
