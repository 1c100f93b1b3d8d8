package hardware

import (
	"fmt"
	"sync"

	"periph.io/x/host/v3"
)

var (
	periphOnce sync.Once
	periphErr  error
)

// initPeriph loads the periph host drivers once per process.
func initPeriph() error {
	periphOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			periphErr = fmt.Errorf("periph host init: %w", err)
		}
	})
	return periphErr
}
