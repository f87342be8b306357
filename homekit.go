package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/brutella/hap/characteristic"
	"github.com/brutella/hap/service"
	"github.com/carlmjohnson/versioninfo"
)

const DefaultHomeKitName = "Open Roberta Connector"

// HomeKit exposes the bridge as a switch ("connected") and a contact sensor
// that opens while the brick runs a downloaded program.
type HomeKit struct {
	controller Controller
	name       string
	logger     *slog.Logger

	bridge  *accessory.Bridge
	conn    *accessory.Switch
	running *service.ContactSensor
	server  *hap.Server
}

func NewHomeKit(controller Controller, name string, logger *slog.Logger) *HomeKit {
	if name == "" {
		name = DefaultHomeKitName
	}

	h := &HomeKit{controller: controller, name: name, logger: logger}
	h.build()
	return h
}

func (h *HomeKit) build() {
	h.bridge = accessory.NewBridge(accessory.Info{
		Name:         h.name,
		SerialNumber: "1",
		Manufacturer: "Open Roberta",
		Model:        "EV3 Connector",
		Firmware:     versioninfo.Version,
	})

	h.conn = accessory.NewSwitch(accessory.Info{
		Name:         "Brick Connection",
		SerialNumber: "2",
		Manufacturer: "Open Roberta",
		Model:        "EV3",
		Firmware:     versioninfo.Version,
	})
	h.conn.Id = 2

	h.running = service.NewContactSensor()
	h.running.ContactSensorState.SetValue(characteristic.ContactSensorStateContactDetected)
	h.conn.AddS(h.running.S)

	h.conn.Switch.On.OnValueRemoteUpdate(h.switchToggled)

	st := h.controller.Status()
	h.conn.Switch.On.SetValue(st.State.sessionActive())
}

func (h *HomeKit) switchToggled(on bool) {
	h.logger.Debug("HomeKit switch toggled.", "on", on)

	if on {
		if _, err := h.controller.Connect(); err != nil {
			h.logger.Warn("HomeKit connect rejected.", "err", err)
			h.conn.Switch.On.SetValue(false)
		}
		return
	}

	if err := h.controller.Disconnect(); err != nil {
		h.logger.Warn("HomeKit disconnect rejected.", "err", err)
	}
}

// ListenAndServe serves the accessories until ctx is done. Pairing data and
// the setup pin live in dir.
func (h *HomeKit) ListenAndServe(ctx context.Context, dir string) error {
	fs := hap.NewFsStore(dir)

	server, err := hap.NewServer(fs, h.bridge.A, h.conn.A)
	if err != nil {
		return fmt.Errorf("construct homekit server: %w", err)
	}

	d, err := fs.Get("serverPin")
	pin := string(d)

	if err != nil {
		var invalidPins []string

		for p := range hap.InvalidPins {
			invalidPins = append(invalidPins, p)
		}

	makePin:
		for {
			pin = fmt.Sprintf("%08d", rand.Intn(99999999))

			if !slices.Contains(invalidPins, pin) {
				fs.Set("serverPin", []byte(pin))
				break makePin
			}
		}
	}

	server.Pin = pin
	h.server = server

	h.logger.Info("Starting HomeKit server.", "pin", server.Pin)

	return server.ListenAndServe(ctx)
}

func (h *HomeKit) StateChanged(s State) {
	h.conn.Switch.On.SetValue(s.sessionActive())

	if s == Polling {
		h.running.ContactSensorState.SetValue(characteristic.ContactSensorStateContactNotDetected)
	} else {
		h.running.ContactSensorState.SetValue(characteristic.ContactSensorStateContactDetected)
	}
}

func (h *HomeKit) TokenChanged(string) {}

func (h *HomeKit) ConnectEnabled(bool) {}

func (h *HomeKit) IndicatorChanged(Indicator) {}

func (h *HomeKit) Notify(n Notification) {
	h.logger.Debug("Notification not shown in HomeKit.", "kind", n.Kind)
}
