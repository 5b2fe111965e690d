package logging

import (
	"log"
)

// New returns a logger that prefixes every line with "component: ".
func New(component string) *log.Logger {
	return log.New(log.Writer(), component+": ", log.LstdFlags|log.Lmsgprefix)
}
