package sources

import "time"

// Direction is a source's directional call for a symbol.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Opinion is one source's raw directional signal for a symbol. Opinions are
// ephemeral: they are owned by the consensus engine for the duration of a
// single aggregation call and never persisted individually.
type Opinion struct {
	SourceID   string
	Symbol     string
	Direction  Direction
	Confidence float64 // [0,100]
	ObservedAt time.Time
	Staleness  time.Duration // age reported by the source at fetch time
}
