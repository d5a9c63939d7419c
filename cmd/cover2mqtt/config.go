package main

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/jkaflik/cover2mqtt/internal/cover/calibration"
	"github.com/jkaflik/cover2mqtt/internal/cover/driver/sim"
	"github.com/jkaflik/cover2mqtt/internal/mqtt"
	"github.com/jkaflik/cover2mqtt/internal/poll"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type cfgSimDriver struct {
	TravelTime time.Duration `yaml:"travel_time" default:"30s"`
}

type cfgCoverDriver struct {
	Kind string `yaml:"kind" default:"sim"`

	Sim cfgSimDriver `yaml:"sim"`
}

type cfgCover struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	Driver cfgCoverDriver `yaml:"driver"`
}

type cfgMQTT struct {
	ClientID string `yaml:"client_id" default:"cover2mqtt" env:"CLIENT_ID"`
	Broker   string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgMetrics struct {
	Enabled bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	Addr    string `yaml:"addr" default:":9641" env:"ADDR"`
}

type cfgPoll struct {
	Interval time.Duration `yaml:"interval" default:"1m" env:"INTERVAL"`
}

type cfgCalibration struct {
	File        string        `yaml:"file" default:"calibration.yaml" env:"FILE"`
	SettleDelay time.Duration `yaml:"settle_delay" default:"35s" env:"SETTLE_DELAY"`
}

var Cfg struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT        cfgMQTT        `yaml:"mqtt" env:"MQTT"`
	HASS        cfgHASS        `yaml:"hass" env:"HASS"`
	Metrics     cfgMetrics     `yaml:"metrics" env:"METRICS"`
	Poll        cfgPoll        `yaml:"poll" env:"POLL"`
	Calibration cfgCalibration `yaml:"calibration" env:"CALIBRATION"`

	Covers []cfgCover `yaml:"covers"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "C2M",
})

func loadConfigFromYamlFile(filename string) {
	f, err := os.Open(filename)
	if err != nil {
		logrus.Error(err)
		return
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		logrus.Fatal(err)
		return
	}
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true)
}

// cover2mqttFromConfig wires every configured cover: its driver, its
// controller, its MQTT bridge and its snapshot feed registration.
func cover2mqttFromConfig(client paho.Client, store calibration.Store, wizards *calibration.Manager, poller *poll.Poller) (bridges []*mqtt.Bridge, sources []poll.Source) {
	for _, cfg := range Cfg.Covers {
		commander, source := driverFromConfig(cfg)
		controller := cover.NewController(cfg.ID, cfg.Name, commander, calibration.Source{Store: store})

		bridges = append(bridges, mqtt.NewBridge(client, controller, commander, wizards))
		poller.Register(cfg.ID, controller.ApplySnapshot)

		if source != nil {
			sources = append(sources, source)
		}
	}

	return bridges, sources
}

func driverFromConfig(cfg cfgCover) (cover.Commander, poll.Source) {
	if cfg.Driver.Kind == "sim" {
		motor := sim.NewMotor(cfg.ID, cfg.Name, cfg.Driver.Sim.TravelTime)
		return motor, motor
	}

	logrus.Fatalf("%s is not supported cover driver kind", cfg.Driver.Kind)
	return nil, nil
}
