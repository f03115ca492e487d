package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/paymentd/internal/clock"
	"github.com/smallbiznis/paymentd/internal/config"
	"github.com/smallbiznis/paymentd/internal/events"
	"github.com/smallbiznis/paymentd/internal/migration"
	"github.com/smallbiznis/paymentd/internal/observability"
	"github.com/smallbiznis/paymentd/internal/outbox"
	"github.com/smallbiznis/paymentd/internal/payment"
	"github.com/smallbiznis/paymentd/internal/ratelimit"
	"github.com/smallbiznis/paymentd/internal/server"
	"github.com/smallbiznis/paymentd/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		migration.Module,

		// Messaging and ingress protection
		ratelimit.Module,
		events.Module,
		outbox.Module,

		payment.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
