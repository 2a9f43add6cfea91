package homie

import (
	"fmt"
	"strconv"
	"strings"
)

// RGB is an additive color. Each channel is 0-255.
type RGB struct {
	Red, Green, Blue int
}

// HSV is a hue (0-360), saturation (0-100) and value (0-100) color.
type HSV struct {
	Hue, Saturation, Value int
}

// NewRGB returns the color or ErrOutOfRange.
func NewRGB(red, green, blue int) (RGB, error) {
	c := RGB{Red: red, Green: green, Blue: blue}
	return c, c.Validate()
}

// Validate checks every channel.
func (c RGB) Validate() error {
	if err := checkComponent("red", c.Red, 255); err != nil {
		return err
	}
	if err := checkComponent("green", c.Green, 255); err != nil {
		return err
	}
	return checkComponent("blue", c.Blue, 255)
}

func (c RGB) String() string {
	return joinComponents(c.Red, c.Green, c.Blue)
}

// NewHSV returns the color or ErrOutOfRange.
func NewHSV(hue, saturation, value int) (HSV, error) {
	c := HSV{Hue: hue, Saturation: saturation, Value: value}
	return c, c.Validate()
}

// Validate checks every component.
func (c HSV) Validate() error {
	if err := checkComponent("hue", c.Hue, 360); err != nil {
		return err
	}
	if err := checkComponent("saturation", c.Saturation, 100); err != nil {
		return err
	}
	return checkComponent("value", c.Value, 100)
}

func (c HSV) String() string {
	return joinComponents(c.Hue, c.Saturation, c.Value)
}

func checkComponent(name string, v, max int) error {
	if v < 0 || v > max {
		return fmt.Errorf("%w: %s %d not in 0:%d", ErrOutOfRange, name, v, max)
	}
	return nil
}

func joinComponents(a, b, c int) string {
	return strconv.Itoa(a) + "," + strconv.Itoa(b) + "," + strconv.Itoa(c)
}

// splitComponents parses "a,b,c".
func splitComponents(s string) (a, b, c int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: color %q needs 3 components", ErrParse, s)
	}
	var v [3]int
	for i, p := range parts {
		v[i], err = strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, 0, fmt.Errorf("%w: color %q: %v", ErrParse, s, err)
		}
	}
	return v[0], v[1], v[2], nil
}
