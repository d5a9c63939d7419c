package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic string `json:"avty_t,omitempty"`
	UniqueID          string `json:"uniq_id,omitempty"`
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic          string `json:"stat_t"`
	CommandTopic        string `json:"cmd_t"`
	PositionTopic       string `json:"pos_t"`
	SetPositionTopic    string `json:"set_pos_t"`
	JSONAttributesTopic string `json:"json_attr_t,omitempty"`
	PositionOpen        int    `json:"pos_open"`
	PositionClosed      int    `json:"pos_clsd"`
	PayloadOpen         string `json:"pl_open"`
	PayloadStop         string `json:"pl_stop"`
	PayloadClose        string `json:"pl_cls"`
}

func NewHACoverFromBridge(bridge *Bridge) haCover {
	return haCover{
		haEntity: haEntity{
			AvailabilityTopic: bridge.AvailabilityTopic,
			UniqueID:          bridge.cover.ID(),
			Name:              bridge.cover.Name(),
			DeviceClass:       "shade",

			Device: haDevice{
				Identifiers:  []string{"cover2mqtt"},
				Manufacturer: "Gaposa",
				Model:        "Motorized Shade",
				Name:         bridge.cover.Name(),
				SWVersion:    "cover2mqtt",
			},
		},
		StateTopic:          bridge.StateTopic,
		CommandTopic:        bridge.CommandTopic,
		PositionTopic:       bridge.PositionTopic,
		SetPositionTopic:    bridge.PositionChangeTopic,
		JSONAttributesTopic: bridge.AttributesTopic,
		PositionOpen:        100,
		PositionClosed:      0,
		PayloadOpen:         mqttOpenCmd,
		PayloadStop:         mqttStopCmd,
		PayloadClose:        mqttCloseCmd,
	}
}

func PublishHAAutoDiscovery(client paho.Client, homeAssistantDiscoveryTopicPrefix string, haCover haCover) error {
	topic := fmt.Sprintf("%s/cover/cover2mqtt/%s/config", homeAssistantDiscoveryTopicPrefix, haCover.Name)

	payload, err := json.Marshal(haCover)
	if err != nil {
		return err
	}

	if token := client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	return nil
}
