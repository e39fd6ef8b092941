package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/serial"
	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"skycam/pkg/alpaca"
	"skycam/pkg/camera"
	"skycam/pkg/ccd"
	"skycam/pkg/conditions"
	"skycam/pkg/drivers/indigo"
	"skycam/pkg/schedule"
	"skycam/templates"
)

// applyFlags overrides the stored camera configuration with the flags set
// on the command line.
func applyFlags(c *cli.Context, cfg indigo.Config) (indigo.Config, error) {
	if c.IsSet("camera") {
		p, err := camera.ProfileByName(c.String("camera"))
		if err != nil {
			return cfg, err
		}
		cfg = cfg.WithProfile(p)
	}
	if c.IsSet("bus") {
		cfg.Bus = c.String("bus")
	}
	if c.IsSet("mqtt-host") {
		cfg.MQTT.Host = c.String("mqtt-host")
	}
	if c.IsSet("mqtt-username") {
		cfg.MQTT.Username = c.String("mqtt-username")
	}
	if c.IsSet("mqtt-password") {
		cfg.MQTT.Password = c.String("mqtt-password")
	}
	if c.IsSet("mqtt-topic-root") {
		cfg.MQTT.TopicRoot = c.String("mqtt-topic-root")
	}
	return cfg, cfg.Validate()
}

// siteFromFlags builds the observing site from the command line.
func siteFromFlags(c *cli.Context) (conditions.Site, error) {
	site := conditions.DefaultSite
	site.Latitude = c.Float64("latitude")
	site.Longitude = c.Float64("longitude")
	if name := c.String("timezone"); name != "" {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return site, fmt.Errorf("invalid timezone %q: %w", name, err)
		}
		site.Location = loc
	}
	return site, site.Validate()
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Infof("skycam %s", ccd.Version)

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := alpaca.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	cam, err := indigo.NewDriver(0, db, tmpl, log.WithField("device", "camera"))
	if err != nil {
		return fmt.Errorf("failed to create camera driver: %v", err)
	}
	defer cam.Close()

	cfg, err := cam.Config()
	if err != nil {
		return fmt.Errorf("failed to read camera config: %v", err)
	}
	if cfg, err = applyFlags(c, cfg); err != nil {
		return err
	}
	if err := cam.SetConfig(cfg); err != nil {
		return fmt.Errorf("failed to store camera config: %v", err)
	}

	// Channel to listen for interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	site, err := siteFromFlags(c)
	if err != nil {
		return err
	}

	var env *conditions.Controller
	if tty := c.String("controller"); tty != "" {
		env = conditions.NewController(serial.Config{
			Address:  tty,
			BaudRate: c.Int("controller-baud"),
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		}, log.WithField("component", "controller"))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := env.Run(ctx); err != nil {
				log.Errorf("Environmental controller failed: %v", err)
			}
			log.Debug("Environmental controller stopped")
		}()
	}
	monitor := conditions.NewMonitor(site, env)

	var shots alpaca.ShotSource
	if path := c.String("schedule"); path != "" {
		latest, err := startSchedule(ctx, &wg, c, path, cam, monitor)
		if err != nil {
			return err
		}
		shots = latest
	}

	serverDesc := alpaca.ServerDescription{
		Name:                "skycam",
		Manufacturer:        "skycam",
		ManufacturerVersion: ccd.Version,
	}

	server := alpaca.NewServer(serverDesc, []alpaca.Device{cam}, shots, monitor, store, tmpl, log.StandardLogger())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int("port")),
		Handler: server.AddRoutes(),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", srv.Addr, err)
		}
	}()

	dr := alpaca.NewDiscoveryResponder("0.0.0.0", c.Int("port"), log.WithField("component", "discovery"))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dr.Run(ctx); err != nil {
			log.Errorf("Discovery responder failed: %v", err)
		}
		log.Debug("Discovery responder stopped")
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

// startSchedule connects the camera and runs the scheduler and the schedule
// watcher until ctx ends. Shots saved to disk wait for a dark sky.
func startSchedule(ctx context.Context, wg *sync.WaitGroup, c *cli.Context, path string, cam *indigo.Driver, monitor *conditions.Monitor) (*schedule.Latest, error) {
	store, err := schedule.NewStore(path, log.StandardLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %v", err)
	}

	disk, err := schedule.NewDisk(c.String("images"), log.StandardLogger())
	if err != nil {
		return nil, err
	}

	if err := cam.Connect(); err != nil {
		log.Errorf("Failed to connect camera, scheduled shots wait for a connection: %v", err)
	}

	latest := schedule.NewLatest()
	sched := schedule.New(cam, store, log.StandardLogger())
	sched.Handle(schedule.Preview, latest)
	sched.Handle(schedule.SaveToDisk, disk, monitor.DarkSky)
	sched.Handle(schedule.Testing, schedule.LogSink(log.WithField("component", "testing-sink")))

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := store.Watch(ctx); err != nil {
			log.Errorf("Schedule watcher failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	return latest, nil
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "skycam",
		Usage:   "All-sky CCD camera server",
		Version: ccd.Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8090,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Configuration database",
				Value:   "skycam.db",
				EnvVars: []string{"SKYCAM_DB"},
			},
			&cli.StringFlag{
				Name:    "camera",
				Aliases: []string{"m"},
				Usage:   "Camera profile: 'Simulator' or 'Real'",
				EnvVars: []string{"CAMERA_MODE"},
			},
			&cli.StringFlag{
				Name:    "bus",
				Usage:   "Device bus: 'simulator' or 'mqtt'",
				EnvVars: []string{"SKYCAM_BUS"},
			},
			&cli.StringFlag{
				Name:    "schedule",
				Aliases: []string{"s"},
				Usage:   "YAML shot schedule, watched for changes",
				EnvVars: []string{"SKYCAM_SCHEDULE"},
			},
			&cli.StringFlag{
				Name:    "images",
				Usage:   "Directory for saved FITS images",
				Value:   "images",
				EnvVars: []string{"SKYCAM_IMAGES"},
			},
			&cli.StringFlag{
				Name:    "mqtt-host",
				Usage:   "MQTT broker of the bus bridge",
				EnvVars: []string{"MQTT_HOST"},
			},
			&cli.StringFlag{
				Name:    "mqtt-username",
				Usage:   "MQTT username",
				EnvVars: []string{"MQTT_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "mqtt-password",
				Usage:   "MQTT password",
				EnvVars: []string{"MQTT_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "mqtt-topic-root",
				Usage:   "Topic root of the bus bridge",
				EnvVars: []string{"MQTT_TOPIC_ROOT"},
			},
			&cli.StringFlag{
				Name:    "controller",
				Usage:   "Serial port of the environmental controller, empty to disable",
				EnvVars: []string{"CONTROLLER_TTY"},
			},
			&cli.IntFlag{
				Name:    "controller-baud",
				Usage:   "Baud rate of the environmental controller",
				Value:   conditions.DefaultControllerBaud,
				EnvVars: []string{"CONTROLLER_BAUD"},
			},
			&cli.Float64Flag{
				Name:    "latitude",
				Usage:   "Site latitude in degrees, north positive",
				Value:   conditions.DefaultSite.Latitude,
				EnvVars: []string{"SITE_LATITUDE"},
			},
			&cli.Float64Flag{
				Name:    "longitude",
				Usage:   "Site longitude in degrees, east positive",
				Value:   conditions.DefaultSite.Longitude,
				EnvVars: []string{"SITE_LONGITUDE"},
			},
			&cli.StringFlag{
				Name:    "timezone",
				Usage:   "IANA time zone for local times, defaults to UTC+8",
				EnvVars: []string{"SITE_TIMEZONE"},
			},
		},
		Action: run,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
