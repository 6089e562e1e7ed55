package sntp

import "time"

// UpdateListener receives the offset every time the anchor re-stamps.
type UpdateListener interface {
	SetOffset(offset time.Duration)
}
