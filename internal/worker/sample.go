package worker

import "math"

const (
	// CursorMax is the last HMRI queue entry requested before wrapping to 0
	CursorMax = 30

	// HMRIRequest is the command byte of a heart-rate queue request
	HMRIRequest = 'G'

	// HMRIResponseLen is [status, count, hr0..hr31]
	HMRIResponseLen = 34
)

// Cursor tracks which HMRI queue entry to request next
type Cursor struct {
	n int
}

func (c *Cursor) Value() int { return c.n }

// Advance moves to the next entry, wrapping to 0 after exceeding CursorMax
func (c *Cursor) Advance() {
	c.n++
	if c.n > CursorMax {
		c.n = 0
	}
}

// Request builds the bus request for the current entry
func (c *Cursor) Request() []byte {
	return []byte{HMRIRequest, byte(c.n)}
}

// Celsius converts the temperature sensor voltage, rounded to one decimal
func Celsius(voltage float64) float64 {
	return math.Round((voltage-0.5)*100*10) / 10
}

// HeartRate extracts the first queued heart-rate entry. The byte is signed.
func HeartRate(resp []byte) int {
	if len(resp) < 3 {
		return 0
	}
	return int(int8(resp[2]))
}
