package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_readings_ingested_total",
		Help: "Total number of sensor readings received",
	}, []string{"result"})

	AlertActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_alert_actions_total",
		Help: "Alert reconciliation outcomes by parameter and action",
	}, []string{"parameter", "action"})

	ValveCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_valve_commands_total",
		Help: "Automatic valve commands issued",
	}, []string{"action"})

	CommandPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_command_publish_failures_total",
		Help: "Commands or broadcasts that could not be published after retries",
	})

	TaskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_task_runs_total",
		Help: "Scheduled task runs by task and result",
	}, []string{"task", "result"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_task_retries_total",
		Help: "Scheduled task retry attempts",
	}, []string{"task"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aquawatch_task_duration_seconds",
		Help:    "Scheduled task run duration including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	AlertsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_alerts_swept_total",
		Help: "Alerts moved or purged by lifecycle sweeps",
	}, []string{"sweep"})

	DevicesMarkedOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_devices_marked_offline_total",
		Help: "Devices flipped to Offline on missed heartbeats",
	})

	SensorsMarkedOffline = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aquawatch_sensors_marked_offline_total",
		Help: "Sensors flipped to Offline on stale readings",
	}, []string{"parameter"})

	AuditSpooled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aquawatch_device_log_spooled_total",
		Help: "Device log entries written to the local spool",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aquawatch_websocket_clients",
		Help: "Connected websocket clients",
	})
)
