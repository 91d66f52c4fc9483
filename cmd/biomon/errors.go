package main

import (
	"errors"
	"fmt"

	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/worker"
)

// FormatUserError turns worker and link failures into a message with a hint
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, link.ErrUnsupported):
		return fmt.Sprintf("%v\nThe board does not provide a configured pin or service; check the sampling pins and the firmware.", err)
	case errors.Is(err, link.ErrNoTransport):
		return fmt.Sprintf("%v\nNo usable transport; check transport.type and that the adapter or bus is present.", err)
	case errors.Is(err, worker.ErrFault):
		return fmt.Sprintf("%v\nThe connection worker stopped; run again once the problem is fixed.", err)
	default:
		return err.Error()
	}
}
