package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// DefaultADCAddress is the ADS1115 address with ADDR tied to ground
const DefaultADCAddress = 0x48

const (
	regConversion = 0x00
	regConfig     = 0x01

	cfgStart      = 0x8000 // OS: begin a single conversion
	cfgMuxSingle  = 0x4    // MUX: AINx against GND
	cfgGain4V096  = 0x0200 // PGA: +/-4.096V
	cfgSingleShot = 0x0100
	cfgRate128SPS = 0x0080
	cfgNoCompare  = 0x0003

	fullScale = 4.096
	// conversion time at 128 SPS plus margin
	conversionDelay = 9 * time.Millisecond
)

// ads1115 performs single-shot conversions on one of four single-ended inputs
type ads1115 struct {
	dev i2c.Dev
}

func newADS1115(bus i2c.Bus, addr uint16) *ads1115 {
	return &ads1115{dev: i2c.Dev{Bus: bus, Addr: addr}}
}

func configWord(channel int) uint16 {
	return cfgStart | uint16(cfgMuxSingle|channel)<<12 | cfgGain4V096 | cfgSingleShot | cfgRate128SPS | cfgNoCompare
}

// read converts channel and returns the input voltage
func (a *ads1115) read(ctx context.Context, channel int) (float64, error) {
	if channel < 0 || channel > 3 {
		return 0, fmt.Errorf("ads1115: invalid channel %d", channel)
	}

	cfg := make([]byte, 3)
	cfg[0] = regConfig
	binary.BigEndian.PutUint16(cfg[1:], configWord(channel))
	if err := a.dev.Tx(cfg, nil); err != nil {
		return 0, fmt.Errorf("ads1115: failed to start conversion: %w", err)
	}

	timer := time.NewTimer(conversionDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	raw := make([]byte, 2)
	if err := a.dev.Tx([]byte{regConversion}, raw); err != nil {
		return 0, fmt.Errorf("ads1115: failed to read conversion: %w", err)
	}
	return float64(int16(binary.BigEndian.Uint16(raw))) * fullScale / 32768, nil
}
