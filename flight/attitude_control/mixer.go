package control

// mixSigns is the X-configuration sign table: roll, pitch, yaw per motor.
var mixSigns = [MotorCount][3]float64{
	FrontLeft:  {+1, +1, -1},
	FrontRight: {-1, +1, +1},
	BackRight:  {-1, -1, -1},
	BackLeft:   {+1, -1, +1},
}

// Corrections are the per-axis PID outputs fed to the mixer.
type Corrections struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Mix combines throttle and corrections into one pulse per motor, truncated
// toward zero. The result is not clamped; actuators do that.
func Mix(throttle, roll, pitch, yaw float64) [MotorCount]int {
	var out [MotorCount]int
	for i, s := range mixSigns {
		out[i] = int(throttle + s[0]*roll + s[1]*pitch + s[2]*yaw)
	}
	return out
}
