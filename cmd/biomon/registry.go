package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/link/cable"
	"github.com/srg/biomon/internal/link/goble"
	"github.com/srg/biomon/internal/link/host"
	"github.com/srg/biomon/internal/link/sim"
)

// newRegistry lists the transports in discovery order. Tests replace it.
var newRegistry = func(logger *logrus.Logger) *link.Registry {
	return link.NewRegistry(
		&goble.Factory{Logger: logger},
		&cable.Factory{Logger: logger},
		&host.Factory{Logger: logger},
		&sim.Factory{},
	)
}
