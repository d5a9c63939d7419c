package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/cover"
	"github.com/jkaflik/cover2mqtt/internal/cover/calibration"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"

	mqttCalibrateBothCmd        = "both"
	mqttCalibrateConfirmCmd     = "confirm"
	mqttCalibrateSaveCmd        = "save"
	mqttCalibrateRecalibrateCmd = "recalibrate"
	mqttCalibrateDiscardCmd     = "discard"
	mqttCalibrateCancelCmd      = "cancel"

	payloadOnline  = "online"
	payloadOffline = "offline"
)

type Bridge struct {
	mqtt      mqtt.Client
	cover     cover.Cover
	commander cover.Commander
	wizards   *calibration.Manager

	StateTopic        string
	PositionTopic     string
	AttributesTopic   string
	AvailabilityTopic string
	CalibrationTopic  string

	CommandTopic            string
	PositionChangeTopic     string
	CalibrationCommandTopic string
	TravelTimeChangeTopic   string
}

func NewBridge(client mqtt.Client, c cover.Cover, commander cover.Commander, wizards *calibration.Manager) *Bridge {
	bridge := &Bridge{mqtt: client, cover: c, commander: commander, wizards: wizards}
	bridge.StateTopic = fmt.Sprintf("cover2mqtt/%s/state", c.Name())
	bridge.PositionTopic = fmt.Sprintf("cover2mqtt/%s/position", c.Name())
	bridge.AttributesTopic = fmt.Sprintf("cover2mqtt/%s/attributes", c.Name())
	bridge.AvailabilityTopic = fmt.Sprintf("cover2mqtt/%s/availability", c.Name())
	bridge.CalibrationTopic = fmt.Sprintf("cover2mqtt/%s/calibration", c.Name())
	bridge.CommandTopic = fmt.Sprintf("cover2mqtt/%s/set", c.Name())
	bridge.PositionChangeTopic = fmt.Sprintf("cover2mqtt/%s/position/set", c.Name())
	bridge.CalibrationCommandTopic = fmt.Sprintf("cover2mqtt/%s/calibrate/set", c.Name())
	bridge.TravelTimeChangeTopic = fmt.Sprintf("cover2mqtt/%s/travel_time/set", c.Name())

	c.OnUpdate(bridge.onCoverUpdateHandler())

	return bridge
}

func (b *Bridge) Subscribe(ctx context.Context) error {
	subscriptions := map[string]mqtt.MessageHandler{
		b.CommandTopic:            b.onCommandHandler(ctx),
		b.PositionChangeTopic:     b.onPositionChangeHandler(ctx),
		b.CalibrationCommandTopic: b.onCalibrationHandler(ctx),
		b.TravelTimeChangeTopic:   b.onTravelTimeChangeHandler(),
	}

	for topic, handler := range subscriptions {
		if token := b.mqtt.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "%s: MQTT topic %s subscription failed", b.cover.Name(), topic)
		}
		logrus.Infof("%s: MQTT topic %s subscribed", b.cover.Name(), topic)
	}

	go func() {
		<-ctx.Done()
		topics := make([]string, 0, len(subscriptions))
		for topic := range subscriptions {
			topics = append(topics, topic)
		}
		if token := b.mqtt.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.cover.Name(), token.Error())
		}
	}()

	b.publish(b.AvailabilityTopic, payloadOnline)
	return b.PublishAttributes()
}

// PublishAttributes republishes the calibration attributes, retained. It is
// called again whenever a calibration save or a manual travel time entry
// changes them.
func (b *Bridge) PublishAttributes() error {
	tt := b.cover.TravelTimes()

	payload, err := json.Marshal(map[string]interface{}{
		"open_time":           tt.Open.Seconds(),
		"close_time":          tt.Close.Seconds(),
		"is_open_calibrated":  tt.OpenCalibrated,
		"is_close_calibrated": tt.CloseCalibrated,
		"is_fully_calibrated": tt.OpenCalibrated && tt.CloseCalibrated,
		"calibration_needed":  !(tt.OpenCalibrated && tt.CloseCalibrated),
	})
	if err != nil {
		return err
	}

	if token := b.mqtt.Publish(b.AttributesTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT attributes publish failed", b.cover.Name())
	}

	return nil
}

func (b *Bridge) publish(topic, payload string) {
	if token := b.mqtt.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		logrus.Errorf("%s: MQTT publish to %s failed: %s", b.cover.Name(), topic, token.Error())
	}
}

func (b *Bridge) onCoverUpdateHandler() cover.UpdateHandler {
	return func(s cover.State) {
		b.publish(b.StateTopic, s.String())
		if s.PositionKnown {
			b.publish(b.PositionTopic, strconv.Itoa(s.Position))
		}

		availability := payloadOffline
		if s.Available {
			availability = payloadOnline
		}
		b.publish(b.AvailabilityTopic, availability)
	}
}

func (b *Bridge) onCommandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		cmd := string(msg.Payload())
		var err error
		switch cmd {
		case mqttOpenCmd:
			err = b.cover.Open(ctx)
		case mqttCloseCmd:
			err = b.cover.Close(ctx)
		case mqttStopCmd:
			err = b.cover.Stop(ctx)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.cover.Name(), cmd)
			return
		}
		if err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		pos, err := strconv.Atoi(string(msg.Payload()))
		if err != nil {
			logrus.Errorf("%s: MQTT invalid position payload: %s", b.cover.Name(), err)
			return
		}
		if err := b.cover.SetPosition(ctx, pos); err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onCalibrationHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		if err := b.handleCalibrationCommand(ctx, string(msg.Payload())); err != nil {
			logrus.Error(err)
		}
	}
}

// handleCalibrationCommand maps the MQTT payload onto wizard inputs.
// Selecting a direction starts a run when none is active, and goes straight
// from the instructions into the measured move since there is no form to
// read on this transport.
func (b *Bridge) handleCalibrationCommand(ctx context.Context, payload string) error {
	switch payload {
	case mqttOpenCmd, mqttCloseCmd, mqttCalibrateBothCmd:
		choice := calibration.ChoiceOpen
		switch payload {
		case mqttCloseCmd:
			choice = calibration.ChoiceClose
		case mqttCalibrateBothCmd:
			choice = calibration.ChoiceBoth
		}

		wizard, ok := b.wizards.Active(b.cover.ID())
		if !ok {
			var err error
			wizard, err = b.wizards.Begin(b.cover.ID(), b.cover.Name(), b.commander)
			if err != nil {
				return err
			}
			wizard.OnUpdate(b.onCalibrationUpdateHandler())
		}

		if err := wizard.Handle(ctx, calibration.Input{Kind: calibration.InputSelect, Choice: choice}); err != nil {
			return err
		}
		return wizard.Handle(ctx, calibration.Input{Kind: calibration.InputProceed})
	case mqttCalibrateConfirmCmd:
		return b.handleWizardInput(ctx, calibration.Input{Kind: calibration.InputConfirmStop})
	case mqttCalibrateSaveCmd:
		if err := b.handleWizardInput(ctx, calibration.Input{Kind: calibration.InputSave}); err != nil {
			return err
		}
		return b.PublishAttributes()
	case mqttCalibrateRecalibrateCmd:
		return b.handleWizardInput(ctx, calibration.Input{Kind: calibration.InputRecalibrate})
	case mqttCalibrateDiscardCmd:
		return b.handleWizardInput(ctx, calibration.Input{Kind: calibration.InputDiscard})
	case mqttCalibrateCancelCmd:
		return b.handleWizardInput(ctx, calibration.Input{Kind: calibration.InputCancel})
	default:
		return errors.Errorf("%s: MQTT unsupported %s calibration command received", b.cover.Name(), payload)
	}
}

func (b *Bridge) handleWizardInput(ctx context.Context, in calibration.Input) error {
	wizard, ok := b.wizards.Active(b.cover.ID())
	if !ok {
		return errors.Errorf("%s: no calibration run in progress", b.cover.Name())
	}
	return wizard.Handle(ctx, in)
}

func (b *Bridge) onCalibrationUpdateHandler() calibration.StatusHandler {
	return func(s calibration.Status) {
		results := map[string]float64{}
		for dir, seconds := range s.Results {
			results[dir.String()] = seconds
		}

		payload, err := json.Marshal(map[string]interface{}{
			"phase":     s.Phase.String(),
			"direction": s.Direction.String(),
			"results":   results,
		})
		if err != nil {
			logrus.Error(err)
			return
		}

		b.publish(b.CalibrationTopic, string(payload))
	}
}

func (b *Bridge) onTravelTimeChangeHandler() mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		var change struct {
			Direction string  `json:"direction"`
			Seconds   float64 `json:"seconds"`
		}
		if err := json.Unmarshal(msg.Payload(), &change); err != nil {
			logrus.Errorf("%s: MQTT invalid travel time payload: %s", b.cover.Name(), err)
			return
		}

		var dir cover.Direction
		switch change.Direction {
		case mqttOpenCmd:
			dir = cover.DirectionOpen
		case mqttCloseCmd:
			dir = cover.DirectionClose
		default:
			logrus.Errorf("%s: MQTT invalid travel time direction %q", b.cover.Name(), change.Direction)
			return
		}

		if err := b.wizards.SetManual(b.cover.ID(), dir, change.Seconds); err != nil {
			logrus.Error(err)
			return
		}
		if err := b.PublishAttributes(); err != nil {
			logrus.Error(err)
		}
	}
}
