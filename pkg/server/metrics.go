package server

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments for the rendezvous server. When no MeterProvider is
// configured (noop), all recording is zero-cost.
var (
	meter = otel.Meter("peerdrop.server")

	metricRoomsActive  metric.Int64UpDownCounter
	metricRoomsCreated metric.Int64Counter
	metricRoomsExpired metric.Int64Counter
	metricRoomsPaired  metric.Int64Counter
	metricRateLimited  metric.Int64Counter
)

func init() {
	var err error

	metricRoomsActive, err = meter.Int64UpDownCounter("peerdrop.rooms.active",
		metric.WithDescription("Live rooms"),
		metric.WithUnit("{rooms}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRoomsCreated, err = meter.Int64Counter("peerdrop.rooms.created",
		metric.WithDescription("Rooms minted"),
		metric.WithUnit("{rooms}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRoomsExpired, err = meter.Int64Counter("peerdrop.rooms.expired",
		metric.WithDescription("Rooms swept by TTL before pairing"),
		metric.WithUnit("{rooms}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRoomsPaired, err = meter.Int64Counter("peerdrop.rooms.paired",
		metric.WithDescription("Rooms where both clients received peer contact"),
		metric.WithUnit("{rooms}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricRateLimited, err = meter.Int64Counter("peerdrop.ratelimit.rejections",
		metric.WithDescription("Connections refused by the per-IP limiter"),
		metric.WithUnit("{connections}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}
