package coordinates

import (
	"errors"
	"fmt"
	"math"
)

// DefaultScale keeps three decimal places of a degree, roughly 11 metres of latitude.
const DefaultScale = 1000

// maxMagnitude bounds scaled magnitudes so that 8*z+1 of the paired value fits in a uint64.
const maxMagnitude = 1 << 28

var (
	// ErrInvalidScale indicates a non-positive scale factor.
	ErrInvalidScale = errors.New("coordinates: scale factor must be positive")
	// ErrInvalidQuadrant indicates a quadrant code outside the encoded set.
	ErrInvalidQuadrant = errors.New("coordinates: invalid quadrant")
)

// RangeError reports a coordinate that cannot be placed on the quantization lattice.
type RangeError struct {
	Axis  string
	Value float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("coordinates: %s value %v out of encodable range", e.Axis, e.Value)
}

// Quadrant records the signs stripped from a coordinate pair before pairing.
//
// The numeric codes match what has always been persisted: 0, 1, 3 and 4. Code 2 is never
// produced and is rejected on decode.
type Quadrant uint8

const (
	// QuadrantNorthEast holds latitude >= 0 and longitude >= 0.
	QuadrantNorthEast Quadrant = 0
	// QuadrantNorthWest holds latitude >= 0 and longitude < 0.
	QuadrantNorthWest Quadrant = 1
	// QuadrantSouthWest holds latitude < 0 and longitude < 0.
	QuadrantSouthWest Quadrant = 3
	// QuadrantSouthEast holds latitude < 0 and longitude >= 0.
	QuadrantSouthEast Quadrant = 4
)

// ParseQuadrant validates a stored or transmitted quadrant code.
func ParseQuadrant(code int) (Quadrant, error) {
	if code >= 0 && code <= math.MaxUint8 {
		quadrant := Quadrant(code)
		if _, _, err := quadrant.signs(); err == nil {
			return quadrant, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidQuadrant, code)
}

func quadrantFor(latNegative, longNegative bool) Quadrant {
	switch {
	case !latNegative && !longNegative:
		return QuadrantNorthEast
	case !latNegative && longNegative:
		return QuadrantNorthWest
	case latNegative && longNegative:
		return QuadrantSouthWest
	default:
		return QuadrantSouthEast
	}
}

func (q Quadrant) signs() (latNegative, longNegative bool, err error) {
	switch q {
	case QuadrantNorthEast:
		return false, false, nil
	case QuadrantNorthWest:
		return false, true, nil
	case QuadrantSouthWest:
		return true, true, nil
	case QuadrantSouthEast:
		return true, false, nil
	default:
		return false, false, fmt.Errorf("%w: %d", ErrInvalidQuadrant, q)
	}
}

// Encoded is the pairable form of a quantized coordinate.
type Encoded struct {
	PairCode uint64
	Quadrant Quadrant
}

// Codec quantizes coordinates onto a 1/scale degree lattice and Cantor-pairs the magnitudes.
type Codec struct {
	scale float64
}

// NewCodec constructs a codec for the given scale factor.
func NewCodec(scale int) (*Codec, error) {
	if scale <= 0 {
		return nil, ErrInvalidScale
	}
	return &Codec{scale: float64(scale)}, nil
}

// Scale returns the configured scale factor.
func (c *Codec) Scale() int {
	return int(c.scale)
}

// Encode quantizes (lat, long) and pairs the resulting magnitudes.
func (c *Codec) Encode(lat, long float64) (Encoded, error) {
	latCell, err := c.quantize("latitude", lat)
	if err != nil {
		return Encoded{}, err
	}
	longCell, err := c.quantize("longitude", long)
	if err != nil {
		return Encoded{}, err
	}

	x := magnitude(latCell)
	y := magnitude(longCell)
	return Encoded{
		PairCode: pair(x, y),
		Quadrant: quadrantFor(latCell < 0, longCell < 0),
	}, nil
}

// Decode returns the centre of the lattice cell an encoded coordinate was quantized into.
func (c *Codec) Decode(encoded Encoded) (float64, float64, error) {
	latNegative, longNegative, err := encoded.Quadrant.signs()
	if err != nil {
		return 0, 0, err
	}
	x, y, err := unpair(encoded.PairCode)
	if err != nil {
		return 0, 0, err
	}
	return c.cellCentre(x, latNegative), c.cellCentre(y, longNegative), nil
}

func (c *Codec) quantize(axis string, value float64) (int64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &RangeError{Axis: axis, Value: value}
	}
	cell := math.Floor(value * c.scale)
	if math.Abs(cell) > maxMagnitude {
		return 0, &RangeError{Axis: axis, Value: value}
	}
	return int64(cell), nil
}

func (c *Codec) cellCentre(mag uint64, negative bool) float64 {
	cell := float64(mag)
	if negative {
		cell = -cell
	}
	return (cell + 0.5) / c.scale
}

func magnitude(cell int64) uint64 {
	if cell < 0 {
		return uint64(-cell)
	}
	return uint64(cell)
}

func pair(x, y uint64) uint64 {
	sum := x + y
	return sum*(sum+1)/2 + y
}

func unpair(z uint64) (uint64, uint64, error) {
	limit := pair(maxMagnitude, maxMagnitude)
	if z > limit {
		return 0, 0, &RangeError{Axis: "pair code", Value: float64(z)}
	}
	t := (isqrt(8*z+1) - 1) / 2
	x := t*(t+3)/2 - z
	y := z - t*(t+1)/2
	return x, y, nil
}

func isqrt(n uint64) uint64 {
	root := uint64(math.Sqrt(float64(n)))
	for root*root > n {
		root--
	}
	for (root+1)*(root+1) <= n {
		root++
	}
	return root
}
