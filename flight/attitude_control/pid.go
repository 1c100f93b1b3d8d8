package control

import (
	"time"

	"go.einride.tech/pid"
)

// unitStep makes the controller treat each call as one discrete step, so the
// integral is a plain running sum and the derivative a plain difference.
const unitStep = time.Second

// AxisController is a discrete PID on one axis. The error is supplied by the
// caller; no timing enters the computation.
type AxisController struct {
	name  string
	gains PIDGains
	ctrl  pid.Controller
	calls uint64
}

// PIDDiagnostics exposes the internal state after the last Calculate.
type PIDDiagnostics struct {
	Error      float64 `json:"error"`
	ErrorSum   float64 `json:"error_sum"`
	Derivative float64 `json:"derivative"`
	Output     float64 `json:"output"`
}

func NewAxisController(name string, gains PIDGains) *AxisController {
	return &AxisController{
		name:  name,
		gains: gains,
		ctrl: pid.Controller{
			Config: pid.ControllerConfig{
				ProportionalGain: gains.P,
				IntegralGain:     gains.I,
				DerivativeGain:   gains.D,
			},
		},
	}
}

// Calculate returns p·e + i·Σe + d·(e − e_prev). The first call uses a
// previous error of zero.
func (c *AxisController) Calculate(err float64) float64 {
	c.ctrl.Update(pid.ControllerInput{
		ReferenceSignal:  err,
		ActualSignal:     0,
		SamplingInterval: unitStep,
	})
	c.calls++
	return c.ctrl.State.ControlSignal
}

// Reset clears accumulated error and the derivative memory.
func (c *AxisController) Reset() {
	c.ctrl.Reset()
	c.calls = 0
}

func (c *AxisController) Name() string    { return c.name }
func (c *AxisController) Gains() PIDGains { return c.gains }
func (c *AxisController) Calls() uint64   { return c.calls }

func (c *AxisController) Diagnostics() PIDDiagnostics {
	s := c.ctrl.State
	return PIDDiagnostics{
		Error:      s.ControlError,
		ErrorSum:   s.ControlErrorIntegral,
		Derivative: s.ControlErrorDerivative,
		Output:     s.ControlSignal,
	}
}
