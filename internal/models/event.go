package models

import "time"

// Direction of a line on the server link, as seen from the gateway.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Event is one serial line relayed to monitor clients.
type Event struct {
	Direction Direction `json:"direction"`
	Line      string    `json:"line"`
	At        time.Time `json:"at"`
	// Source names where an inbound line came from: "serial" or "monitor".
	Source string `json:"source,omitempty"`
}
