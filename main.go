package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SchumacherFM/prometheus_efriends_exporter/bus"
	"github.com/SchumacherFM/prometheus_efriends_exporter/collector"
	"github.com/SchumacherFM/prometheus_efriends_exporter/cube"
	"github.com/SchumacherFM/prometheus_efriends_exporter/mqttsink"
	"github.com/SchumacherFM/prometheus_efriends_exporter/sensor"
	"github.com/SchumacherFM/prometheus_efriends_exporter/store"
	"github.com/alecthomas/repr"
	"github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"
	slogzap "github.com/samber/slog-zap/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %s", err)
	}

	app := &cli.App{
		Commands: []*cli.Command{
			{
				Name:   "debug",
				Usage:  "inspect the published mqtt topics and their data",
				Flags:  []cli.Flag{},
				Action: actionDebug,
			},
			{
				Name:   "fetch",
				Usage:  "query the cube once and print the raw and parsed payload",
				Action: actionFetch,
			},
			{
				Name:  "run",
				Usage: "polls the cube, derives power and energy and serves them to prometheus and mqtt",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "http-listen-address",
						Value:   ":80",
						EnvVars: []string{"HTTP_LISTEN_ADDRESS"},
					},
					&cli.StringFlag{
						Name:  "http-path-metrics",
						Value: "/metrics",
					},
					&cli.BoolFlag{
						Name:  "enable-exporter-metrics",
						Value: false,
						Usage: "if true sends metrics about the go runtime",
					},
					&cli.DurationFlag{
						Name:    "poll-interval",
						Value:   bus.DefaultInterval,
						EnvVars: []string{"EFRIENDS_POLL_INTERVAL"},
					},
					&cli.StringFlag{
						Name:    "state-file",
						Value:   "efriends_state.json",
						Usage:   "keeps the energy totals across restarts",
						EnvVars: []string{"EFRIENDS_STATE_FILE"},
					},
					&cli.StringFlag{
						Name:    "mqtt-base-topic",
						Value:   mqttsink.DefaultBaseTopic,
						EnvVars: []string{"MQTT_BASE_TOPIC"},
					},
					&cli.BoolFlag{
						Name:    "ha-discovery",
						Value:   false,
						Usage:   "announce the sensors via Home Assistant MQTT discovery",
						EnvVars: []string{"MQTT_HA_DISCOVERY"},
					},
				},
				Action: actionRun,
			},
		},
		Usage: "Reads the eFriends Cube and exports power and energy towards prometheus and mqtt",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "ip",
				Usage:   "host or IP address of the cube",
				EnvVars: []string{"EFRIENDS_IP"},
			},
			&cli.StringFlag{
				Name:    "apikey",
				Usage:   "API key of the cube",
				EnvVars: []string{"EFRIENDS_APIKEY"},
			},
			&cli.StringFlag{
				Name:    "balenaid",
				Usage:   "balena device id, used for remote access and as device id",
				EnvVars: []string{"EFRIENDS_BALENAID"},
			},
			&cli.BoolFlag{
				Name:  "remote",
				Value: false,
				Usage: "query the cube through its balena device URL instead of the local address",
			},
			&cli.StringSliceFlag{
				Name:    "mqtt-url",
				Usage:   "mqtt://hostname:port, mqtt is disabled when empty",
				EnvVars: []string{"MQTT_HOSTS"},
			},
			&cli.StringFlag{
				Name:    "mqtt-user",
				Value:   "",
				Usage:   "mqtt username",
				EnvVars: []string{"MQTT_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "mqtt-pass",
				Value:   "",
				Usage:   "mqtt password",
				EnvVars: []string{"MQTT_PASSWORD"},
			},
			&cli.StringSliceFlag{
				Name:    "topic",
				Aliases: []string{"t"},
				Value:   cli.NewStringSlice(mqttsink.DefaultBaseTopic + "/#"),
				Usage:   "MQTT Topics for the debug command",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Value: false,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func cubeConfig(c *cli.Context) (cube.Config, error) {
	cfg := cube.Config{
		Host:     c.String("ip"),
		APIKey:   c.String("apikey"),
		BalenaID: c.String("balenaid"),
		Remote:   c.Bool("remote"),
	}
	return cfg, cfg.Validate()
}

func deviceID(cfg cube.Config) string {
	if cfg.BalenaID != "" {
		return cfg.BalenaID
	}
	return cfg.Host
}

func newLogger(c *cli.Context) *zap.Logger {
	zapencCfg := zap.NewProductionEncoderConfig()
	zapencCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	zapLvl := zap.InfoLevel
	if c.Bool("verbose") {
		zapLvl = zap.DebugLevel
	}
	return zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(zapencCfg),
		zapcore.AddSync(os.Stdout),
		zapLvl,
	))
}

func newMQTTClient(c *cli.Context, baseTopic string) (mqtt.Client, func(), error) {
	o, err := mqttsink.ClientOptions(c.StringSlice("mqtt-url"), c.String("mqtt-user"), c.String("mqtt-pass"), mqttsink.Options{
		BaseTopic: baseTopic,
	})
	if err != nil {
		return nil, nil, err
	}

	mqc := mqtt.NewClient(o)

	tk := mqc.Connect()
	<-tk.Done()
	if err := tk.Error(); err != nil {
		return nil, nil, fmt.Errorf("failed tp connect: %w", err)
	}

	return mqc, func() {
		mqc.Disconnect(100)
	}, nil
}

func actionDebug(c *cli.Context) error {
	if len(c.StringSlice("mqtt-url")) == 0 {
		return errors.New("debug requires --mqtt-url")
	}
	mqc, cancel, err := newMQTTClient(c, mqttsink.DefaultBaseTopic+"_debug")
	if err != nil {
		return err
	}
	defer cancel()

	for _, topic := range c.StringSlice("topic") {
		tk := mqc.Subscribe(topic, 0, func(client mqtt.Client, message mqtt.Message) {
			t := time.Now().Format("2006-01-02T15:04:05.999")
			fmt.Printf("%s::: message topic:: %s=%s\n", t, message.Topic(), string(message.Payload()))
			message.Ack()
		})
		<-tk.Done()
		if err := tk.Error(); err != nil {
			return err
		} else {
			fmt.Println("subscribed to:", topic)
		}

	}

	fmt.Println("blocking and waiting for messages")
	<-c.Done() // wait until someone kills us

	return nil
}

func actionFetch(c *cli.Context) error {
	cfg, err := cubeConfig(c)
	if err != nil {
		return err
	}
	zaplog := newLogger(c)
	defer zaplog.Sync()

	client := cube.NewClient(cfg, cube.Options{Timeout: cube.DefaultTimeout, Log: zaplog})
	body, err := client.FetchRaw(c.Context)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	fmt.Println(string(body))
	repr.Println(cube.ParsePayload(body, zaplog).Map())
	return nil
}

func actionRun(c *cli.Context) error {
	cfg, err := cubeConfig(c)
	if err != nil {
		return err
	}
	zaplog := newLogger(c)
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.Open(c.String("state-file"), zaplog.Named("store"))

	var sinks []bus.Sink
	if len(c.StringSlice("mqtt-url")) > 0 {
		baseTopic := c.String("mqtt-base-topic")
		mqc, cancel, err := newMQTTClient(c, baseTopic)
		if err != nil {
			return err
		}
		defer cancel()

		sink := mqttsink.New(mqc, mqttsink.Options{
			Log:       zaplog.Named("mqtt"),
			BaseTopic: baseTopic,
		})
		sink.Online()
		// runs before the deferred disconnect
		defer func() {
			if err := sink.Offline(); err != nil {
				zaplog.Warn("failed to publish offline state", zap.Error(err))
			}
		}()
		if c.Bool("ha-discovery") {
			if err := sink.Announce(deviceID(cfg)); err != nil {
				return err
			}
		}
		sinks = append(sinks, sink)
	}

	b := bus.New(bus.Options{
		Log:          zaplog.Named("bus"),
		Store:        st,
		Sinks:        sinks,
		PollInterval: c.Duration("poll-interval"),
		TickInterval: sensor.TickInterval,
	})

	opts := sensor.Options{Log: zaplog.Named("sensor"), Publisher: b}
	power := sensor.NewPowerSensor(cube.NewClient(cfg, cube.Options{
		Timeout: cube.DefaultTimeout,
		Log:     zaplog.Named("cube"),
	}), opts)
	powerFrom := sensor.NewSplitSensor(sensor.MetaPowerFromGrid, sensor.FromGrid, opts)
	powerTo := sensor.NewSplitSensor(sensor.MetaPowerToGrid, sensor.ToGrid, opts)
	energyFrom := sensor.NewEnergySensor(sensor.MetaEnergyFromGrid, sensor.EnergyOptions{Options: opts})
	energyTo := sensor.NewEnergySensor(sensor.MetaEnergyToGrid, sensor.EnergyOptions{Options: opts})
	energyFrom.Restore(st)
	energyTo.Restore(st)

	b.Subscribe(sensor.MetaPower.EntityID(), powerFrom)
	b.Subscribe(sensor.MetaPower.EntityID(), powerTo)
	b.Subscribe(sensor.MetaPowerFromGrid.EntityID(), energyFrom)
	b.Subscribe(sensor.MetaPowerToGrid.EntityID(), energyTo)

	go b.Run(ctx, []bus.Poller{power}, []bus.Ticker{energyFrom, energyTo})

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(collector.NewCollector(b, collector.Options{
		Log:    zaplog.Named("collector"),
		Device: deviceID(cfg),
	}))

	if c.Bool("enable-exporter-metrics") {
		reg.MustRegister(
			collectors.NewBuildInfoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
			version.NewCollector("efriends_exporter"),
		)
	}

	mux := http.NewServeMux()
	mux.Handle(c.String("http-path-metrics"), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
			<head><title>eFriends Exporter</title></head>
			<body>
			<h1>eFriends Exporter</h1>
			<p><a href="` + c.String("http-path-metrics") + `">Metrics</a></p>
			</body>
			</html>`))
	})

	server := &http.Server{Handler: mux}

	zaplog.Info("http config",
		zap.String("path", c.String("http-path-metrics")),
		zap.String("listen_address", c.String("http-listen-address")),
		zap.String("device", deviceID(cfg)),
		zap.Bool("remote", cfg.Remote),
	)

	slogLogWrap := slog.New(slogzap.Option{Level: slog.LevelDebug, Logger: zaplog}.NewZapHandler())

	errChan := make(chan error, 1)
	go func() {
		var empty string
		errChan <- web.ListenAndServe(server, &web.FlagConfig{
			WebListenAddresses: &[]string{c.String("http-listen-address")},
			WebSystemdSocket:   nil,
			WebConfigFile:      &empty,
		}, slogLogWrap)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zaplog.Error("ListenAndServe failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zaplog.Error("server forced to shutdown", zap.Error(err))
		}
	}

	return nil
}
