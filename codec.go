package homie

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// codec is the per-datatype part of a property: wire encoding, decoding
// and value checks.
type codec[T comparable] interface {
	datatype() Datatype
	format() string
	encode(v T) string
	decode(s string) (T, error)
	check(v T) error
}

var errNotFinite = errors.New("not a finite number")

type stringCodec struct{}

func (stringCodec) datatype() Datatype              { return DtString }
func (stringCodec) format() string                  { return "" }
func (stringCodec) encode(v string) string          { return v }
func (stringCodec) decode(s string) (string, error) { return s, nil }
func (stringCodec) check(string) error              { return nil }

type number interface {
	~int64 | ~float64
}

// valueRange is an inclusive [Min, Max] range.
type valueRange[N number] struct {
	Min, Max N
}

type numberCodec[N number] struct {
	dt    Datatype
	rng   *valueRange[N]
	parse func(string) (N, error)
	print func(N) string
}

func integerCodec(rng *valueRange[int64]) numberCodec[int64] {
	return numberCodec[int64]{
		dt:    DtInteger,
		rng:   rng,
		parse: func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) },
		print: func(v int64) string { return strconv.FormatInt(v, 10) },
	}
}

func floatCodec(rng *valueRange[float64]) numberCodec[float64] {
	return numberCodec[float64]{
		dt:    DtFloat,
		rng:   rng,
		parse: func(s string) (float64, error) {
			v, err := strconv.ParseFloat(s, 64)
			if err == nil && !finite(v) {
				err = errNotFinite
			}
			return v, err
		},
		print: func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) },
	}
}

func (c numberCodec[N]) datatype() Datatype { return c.dt }

func (c numberCodec[N]) format() string {
	if c.rng == nil {
		return ""
	}
	return c.print(c.rng.Min) + ":" + c.print(c.rng.Max)
}

func (c numberCodec[N]) encode(v N) string { return c.print(v) }

func (c numberCodec[N]) decode(s string) (N, error) {
	v, err := c.parse(s)
	if err != nil {
		return v, fmt.Errorf("%w: %s %q", ErrParse, c.dt, s)
	}
	return v, nil
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func (c numberCodec[N]) check(v N) error {
	if !finite(float64(v)) {
		return fmt.Errorf("%w: %s is not a finite number", ErrOutOfRange, c.print(v))
	}
	if c.rng != nil && (v < c.rng.Min || v > c.rng.Max) {
		return fmt.Errorf("%w: %s not in %s", ErrOutOfRange, c.print(v), c.format())
	}
	return nil
}

type boolCodec struct{}

func (boolCodec) datatype() Datatype { return DtBoolean }
func (boolCodec) format() string     { return "" }
func (boolCodec) check(bool) error   { return nil }

func (boolCodec) encode(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (boolCodec) decode(s string) (bool, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: boolean %q", ErrParse, s)
}

type enumCodec[E comparable] struct {
	members []string
	byName  map[string]E
	byValue map[E]string
}

func newEnumCodec[E comparable](members []string, lookup map[string]E) (*enumCodec[E], error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: enum needs at least one member", ErrUnknownEnumValue)
	}
	c := &enumCodec[E]{
		members: append([]string(nil), members...),
		byName:  make(map[string]E, len(members)),
		byValue: make(map[E]string, len(members)),
	}
	for _, m := range members {
		if m == "" || strings.Contains(m, ",") {
			return nil, fmt.Errorf("%w: enum member %q cannot be published in $format", ErrUnknownEnumValue, m)
		}
		v, ok := lookup[m]
		if !ok {
			return nil, fmt.Errorf("%w: member %q has no value", ErrUnknownEnumValue, m)
		}
		if _, dup := c.byName[m]; dup {
			return nil, fmt.Errorf("%w: enum member %q", ErrDuplicateID, m)
		}
		c.byName[m] = v
		c.byValue[v] = m
	}
	return c, nil
}

func (c *enumCodec[E]) datatype() Datatype { return DtEnum }
func (c *enumCodec[E]) format() string     { return strings.Join(c.members, ",") }
func (c *enumCodec[E]) encode(v E) string  { return c.byValue[v] }

func (c *enumCodec[E]) decode(s string) (E, error) {
	v, ok := c.byName[s]
	if !ok {
		return v, fmt.Errorf("%w: %q not in %s", ErrUnknownEnumValue, s, c.format())
	}
	return v, nil
}

func (c *enumCodec[E]) check(v E) error {
	if _, ok := c.byValue[v]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownEnumValue, v)
	}
	return nil
}

type rgbCodec struct{}

func (rgbCodec) datatype() Datatype  { return DtColor }
func (rgbCodec) format() string      { return "rgb" }
func (rgbCodec) encode(v RGB) string { return v.String() }
func (rgbCodec) check(v RGB) error   { return v.Validate() }

func (rgbCodec) decode(s string) (RGB, error) {
	r, g, b, err := splitComponents(s)
	if err != nil {
		return RGB{}, err
	}
	return NewRGB(r, g, b)
}

type hsvCodec struct{}

func (hsvCodec) datatype() Datatype  { return DtColor }
func (hsvCodec) format() string      { return "hsv" }
func (hsvCodec) encode(v HSV) string { return v.String() }
func (hsvCodec) check(v HSV) error   { return v.Validate() }

func (hsvCodec) decode(s string) (HSV, error) {
	h, sat, v, err := splitComponents(s)
	if err != nil {
		return HSV{}, err
	}
	return NewHSV(h, sat, v)
}
