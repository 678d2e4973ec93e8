package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dunningd/internal/billingevent"
	"github.com/smallbiznis/dunningd/internal/clock"
	"github.com/smallbiznis/dunningd/internal/config"
	"github.com/smallbiznis/dunningd/internal/dispatch"
	"github.com/smallbiznis/dunningd/internal/dunning"
	"github.com/smallbiznis/dunningd/internal/lifecycle"
	"github.com/smallbiznis/dunningd/internal/migration"
	"github.com/smallbiznis/dunningd/internal/notification"
	"github.com/smallbiznis/dunningd/internal/observability"
	"github.com/smallbiznis/dunningd/internal/providers"
	"github.com/smallbiznis/dunningd/internal/ratelimit"
	"github.com/smallbiznis/dunningd/internal/server"
	"github.com/smallbiznis/dunningd/internal/subscription"
	"github.com/smallbiznis/dunningd/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,
		providers.Module,

		// Webhook ingress needs the engine and its side effects.
		dispatch.Module,
		notification.Module,
		dunning.Module,
		subscription.Module,
		lifecycle.Module,
		billingevent.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
