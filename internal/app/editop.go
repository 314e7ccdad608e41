package app

import (
	"encoding/json"
	"fmt"
)

// EditOp is the single structural edit a fork applies to its parent's
// binding set. It is a closed set of variants; each carries exactly the
// fields its validation needs.
type EditOp interface {
	editOp()
}

// AddLayer binds a layer, with a style, that the parent does not have.
type AddLayer struct {
	LayerID string
	StyleID string
}

// RemoveLayer drops the parent's binding for a layer.
type RemoveLayer struct {
	LayerID string
}

// RestyleLayer replaces the style of a layer the parent has bound. Restyling
// to the currently bound style is permitted and yields an unchanged diff.
type RestyleLayer struct {
	LayerID string
	StyleID string
}

func (AddLayer) editOp()     {}
func (RemoveLayer) editOp()  {}
func (RestyleLayer) editOp() {}

// editOpPayload is the wire form accepted by the fork endpoint.
type editOpPayload struct {
	Type    string `json:"type"`
	LayerID string `json:"layerId"`
	StyleID string `json:"styleId"`
}

func decodeEditOp(raw json.RawMessage) (EditOp, error) {
	var payload editOpPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid edit operation")
	}
	switch payload.Type {
	case "add_layer":
		if payload.LayerID == "" || payload.StyleID == "" {
			return nil, fmt.Errorf("add_layer requires layerId and styleId")
		}
		return AddLayer{LayerID: payload.LayerID, StyleID: payload.StyleID}, nil
	case "remove_layer":
		if payload.LayerID == "" {
			return nil, fmt.Errorf("remove_layer requires layerId")
		}
		return RemoveLayer{LayerID: payload.LayerID}, nil
	case "restyle_layer":
		if payload.LayerID == "" || payload.StyleID == "" {
			return nil, fmt.Errorf("restyle_layer requires layerId and styleId")
		}
		return RestyleLayer{LayerID: payload.LayerID, StyleID: payload.StyleID}, nil
	default:
		return nil, fmt.Errorf("unknown edit operation %q", payload.Type)
	}
}
