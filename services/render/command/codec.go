// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package command

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownKind is returned when decoding a kind this build does not know.
var ErrUnknownKind = errors.New("unknown command kind")

// New returns a zero command of the given kind, ready to be decoded into.
func New(k Kind) (Command, error) {
	switch k {
	case KindBaseNodeCreate:
		return &BaseNodeCreate{}, nil
	case KindCanvasNodeCreate:
		return &CanvasNodeCreate{}, nil
	case KindSurfaceNodeCreate:
		return &SurfaceNodeCreate{}, nil
	case KindNodeAddChild:
		return &NodeAddChild{}, nil
	case KindNodeRemoveChild:
		return &NodeRemoveChild{}, nil
	case KindNodeRemoveFromTree:
		return &NodeRemoveFromTree{}, nil
	case KindNodeDestroy:
		return &NodeDestroy{}, nil
	case KindSurfaceSetBounds:
		return &SurfaceSetBounds{}, nil
	case KindSurfaceSetAlpha:
		return &SurfaceSetAlpha{}, nil
	case KindSurfaceSetTransparent:
		return &SurfaceSetTransparent{}, nil
	case KindSurfaceSetAppWindow:
		return &SurfaceSetAppWindow{}, nil
	case KindAnimationCreate:
		return &AnimationCreate{}, nil
	case KindAnimationPause:
		return &AnimationPause{}, nil
	case KindAnimationResume:
		return &AnimationResume{}, nil
	case KindAnimationFinish:
		return &AnimationFinish{}, nil
	case KindAnimationFinishCallback:
		return &AnimationFinishCallback{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(k))
	}
}

// Encode serializes a command body with msgpack.
func Encode(c Command) ([]byte, error) {
	if c == nil {
		return nil, errors.New("nil command")
	}
	body, err := msgpack.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.Kind(), err)
	}
	return body, nil
}

// Decode builds the command of kind k from its msgpack body.
func Decode(k Kind, body []byte) (Command, error) {
	c, err := New(k)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(body, c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	return c, nil
}
