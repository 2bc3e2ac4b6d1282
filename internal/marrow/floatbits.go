package marrow

import (
	"math"
	"time"
)

func doubleBits(f float64) uint64    { return math.Float64bits(f) }
func bitsToDouble(b uint64) float64  { return math.Float64frombits(b) }
func float32Bits(f float32) uint32   { return math.Float32bits(f) }
func bitsToFloat32(b uint32) float32 { return math.Float32frombits(b) }

func unixMilliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nan marks "no distance bound" in vector queries.
func nan() float64 { return math.NaN() }
