package bus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/vprof/internal/frame"
)

// ErrUnknownType is returned by Unmarshal for a tag outside the protocol.
var ErrUnknownType = errors.New("unknown message type")

// envelope is the wire shape: {"type": ..., "context": ..., "payload": ...}.
type envelope struct {
	Type    string          `json:"type"`
	Context *string         `json:"context,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// rectPayload mirrors the page script's VP_RECT_SELECTED payload.
type rectPayload struct {
	Rect    frame.Rect `json:"rect"`
	ScrollX float64    `json:"scrollX"`
	ScrollY float64    `json:"scrollY"`
	DPR     float64    `json:"dpr"`
}

// Marshal encodes m in the tagged wire format.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil message")
	}
	env := envelope{Type: m.Type()}
	switch v := m.(type) {
	case OpenPanelWithContext:
		env.Context = &v.Context
	case RectSelected:
		p, err := json.Marshal(rectPayload{
			Rect:    v.Selection.Rect,
			ScrollX: v.Selection.ScrollX,
			ScrollY: v.Selection.ScrollY,
			DPR:     v.Selection.DevicePixelRatio,
		})
		if err != nil {
			return nil, err
		}
		env.Payload = p
	}
	return json.Marshal(env)
}

// Unmarshal decodes one wire message.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	switch env.Type {
	case TypeOpenPanelWithContext:
		var m OpenPanelWithContext
		if env.Context != nil {
			m.Context = *env.Context
		}
		return m, nil
	case TypeOpenPanel:
		return OpenPanel{}, nil
	case TypePanelOpened:
		return PanelOpened{}, nil
	case TypePanelClosed:
		return PanelClosed{}, nil
	case TypeShowTriggerAffordance:
		return ShowTriggerAffordance{}, nil
	case TypeInjectOverlay:
		return InjectOverlay{}, nil
	case TypeRectSelected:
		var p rectPayload
		if len(env.Payload) == 0 {
			return nil, fmt.Errorf("%s: missing payload", env.Type)
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%s payload: %w", env.Type, err)
		}
		dpr := p.DPR
		if dpr <= 0 {
			dpr = 1
		}
		return RectSelected{Selection: frame.SelectionRect{
			Rect:             p.Rect,
			ScrollX:          p.ScrollX,
			ScrollY:          p.ScrollY,
			DevicePixelRatio: dpr,
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// PeekType returns the type tag of a wire message without decoding it.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// IsMessageType reports whether t is a protocol tag.
func IsMessageType(t string) bool {
	switch t {
	case TypeOpenPanelWithContext, TypeOpenPanel, TypePanelOpened, TypePanelClosed,
		TypeShowTriggerAffordance, TypeRectSelected, TypeInjectOverlay:
		return true
	}
	return false
}
