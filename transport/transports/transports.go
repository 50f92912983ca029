// Package transports registers every built-in transport with the default
// registry when imported.
package transports

import (
	_ "github.com/drblury/busflow/transport/aws"
	_ "github.com/drblury/busflow/transport/channel"
	_ "github.com/drblury/busflow/transport/http"
	_ "github.com/drblury/busflow/transport/kafka"
	_ "github.com/drblury/busflow/transport/nats"
	_ "github.com/drblury/busflow/transport/postgres"
	_ "github.com/drblury/busflow/transport/rabbitmq"
)
