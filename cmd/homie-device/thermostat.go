package main

import (
	"math"

	homie "github.com/duke1swd/homie-device"
)

type mode int

const (
	modeOff mode = iota
	modeHeat
	modeEco
)

var modes = []mode{modeOff, modeHeat, modeEco}

func (m mode) String() string {
	switch m {
	case modeHeat:
		return "heat"
	case modeEco:
		return "eco"
	}
	return "off"
}

// thermostat is a simulated heater exposed as a homie device.
type thermostat struct {
	device *homie.Device

	temperature *homie.Property[float64]
	setpoint    *homie.Property[float64]
	mode        *homie.Property[mode]
	heating     *homie.Property[bool]
	cycles      *homie.Property[int64]
	led         *homie.Property[homie.RGB]
	button      *homie.Property[string]

	current float64
	target  float64
	m       mode
	on      bool
	count   int64
}

const ecoOffset = 3.0

func newThermostat(d *homie.Device) (*thermostat, error) {
	th := &thermostat{device: d, current: 18, target: 21, m: modeHeat}

	_, err := d.AddNode("heater", "thermostat", func(n *homie.Node) error {
		var err error
		if th.temperature, err = n.Float("temperature", homie.WithName("Temperature"), homie.WithUnit("°C")); err != nil {
			return err
		}
		if th.setpoint, err = n.FloatRange("setpoint", 5, 30, homie.WithName("Setpoint"), homie.WithUnit("°C")); err != nil {
			return err
		}
		if th.mode, err = homie.EnumOf(n, "mode", modes, homie.WithName("Mode")); err != nil {
			return err
		}
		if th.heating, err = n.Boolean("heating", homie.WithName("Heating")); err != nil {
			return err
		}
		th.cycles, err = n.Integer("cycles", homie.WithName("Heating cycles"), homie.WithUnit("#"))
		return err
	}, homie.WithNodeName("Heater"))
	if err != nil {
		return nil, err
	}

	_, err = d.AddNode("panel", "control-panel", func(n *homie.Node) error {
		var err error
		if th.led, err = n.RGB("led", homie.WithName("Status LED")); err != nil {
			return err
		}
		th.button, err = n.String("button", homie.WithName("Button"), homie.AsEvent())
		return err
	}, homie.WithNodeName("Control panel"))
	if err != nil {
		return nil, err
	}

	th.setpoint.Subscribe(func(u homie.PropertyUpdate[float64]) {
		th.target = u.Value()
		_ = th.setpoint.Update(th.target)
	})
	th.mode.Subscribe(func(u homie.PropertyUpdate[mode]) {
		th.m = u.Value()
		_ = th.mode.Update(th.m)
	})
	th.led.Subscribe(func(u homie.PropertyUpdate[homie.RGB]) {
		_ = th.led.Update(u.Value())
	})

	return th, th.publish()
}

// goal is the temperature the heater is working towards.
func (th *thermostat) goal() float64 {
	switch th.m {
	case modeHeat:
		return th.target
	case modeEco:
		return th.target - ecoOffset
	}
	return math.Inf(-1)
}

// step advances the simulation by one tick and publishes the result.
func (th *thermostat) step() error {
	wasOn := th.on
	th.on = th.current < th.goal()
	if th.on && !wasOn {
		th.count++
	}

	if th.on {
		th.current += 0.3
	} else {
		th.current -= 0.1
	}
	th.current = math.Round(th.current*10) / 10

	return th.publish()
}

func (th *thermostat) publish() error {
	if err := th.temperature.Update(th.current); err != nil {
		return err
	}
	if err := th.setpoint.Update(th.target); err != nil {
		return err
	}
	if err := th.mode.Update(th.m); err != nil {
		return err
	}
	if err := th.heating.Update(th.on); err != nil {
		return err
	}
	if err := th.cycles.Update(th.count); err != nil {
		return err
	}
	led := homie.RGB{Red: 0, Green: 255, Blue: 0}
	if th.on {
		led = homie.RGB{Red: 255, Green: 64, Blue: 0}
	}
	return th.led.Update(led)
}
