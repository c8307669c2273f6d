// Package pointer defines the pointer event carried in "pointer" frames
// and the id remapping applied before injection.
package pointer

import (
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Label is the frame label pointer events travel under.
const Label = "pointer"

type Kind string

const (
	KindDown   Kind = "down"
	KindMove   Kind = "move"
	KindUp     Kind = "up"
	KindCancel Kind = "cancel"
)

// Ends reports whether the pointer leaves contact with this event.
func (k Kind) Ends() bool { return k == KindUp || k == KindCancel }

type Type string

const (
	TypeMouse Type = "mouse"
	TypePen   Type = "pen"
	TypeTouch Type = "touch"
)

var ErrInvalid = errors.New("pointer: invalid event")

// Event mirrors a browser PointerEvent with coordinates normalized to the
// captured surface. It encodes as a 15-element msgpack array in field order.
type Event struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind        Kind
	ID          int64
	PointerType Type
	IsPrimary   bool
	X           float64
	Y           float64
	// Button is the button whose state changed; browsers send -1 for none.
	Button             int
	Buttons            int
	Width              float64
	Height             float64
	Pressure           float64
	TangentialPressure float64
	TiltX              float64
	TiltY              float64
	Twist              float64
}

func Unmarshal(b []byte) (Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return ev, nil
}

func (ev Event) Marshal() ([]byte, error) {
	return msgpack.Marshal(&ev)
}

// Normalize clamps values that browsers legitimately send out of range.
func (ev *Event) Normalize() {
	if ev.Button < 0 {
		ev.Button = 0
	}
	ev.X = clamp01(ev.X)
	ev.Y = clamp01(ev.Y)
	ev.Pressure = clamp01(ev.Pressure)
}

func (ev Event) Validate() error {
	switch ev.Kind {
	case KindDown, KindMove, KindUp, KindCancel:
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalid, ev.Kind)
	}
	switch ev.PointerType {
	case TypeMouse, TypePen, TypeTouch:
	default:
		return fmt.Errorf("%w: pointer type %q", ErrInvalid, ev.PointerType)
	}
	if ev.ID < 0 {
		return fmt.Errorf("%w: pointer id %d", ErrInvalid, ev.ID)
	}
	if !in01(ev.X) || !in01(ev.Y) {
		return fmt.Errorf("%w: position (%v, %v) outside [0, 1]", ErrInvalid, ev.X, ev.Y)
	}
	if !in01(ev.Pressure) {
		return fmt.Errorf("%w: pressure %v outside [0, 1]", ErrInvalid, ev.Pressure)
	}
	if ev.Button < 0 || ev.Buttons < 0 {
		return fmt.Errorf("%w: button %d buttons %d", ErrInvalid, ev.Button, ev.Buttons)
	}
	return nil
}

func in01(f float64) bool { return f >= 0 && f <= 1 }

// clamp01 leaves NaN alone so that Validate still rejects it.
func clamp01(f float64) float64 {
	if math.IsNaN(f) {
		return f
	}
	return math.Min(1, math.Max(0, f))
}
