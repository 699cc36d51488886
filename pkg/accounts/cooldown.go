package accounts

import "time"

// CooldownPolicy is an exponential backoff applied to failing accounts.
type CooldownPolicy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{Base: 5 * time.Second, Factor: 2, Max: 5 * time.Minute}
}

// Delay is the cooldown after the given number of consecutive failures.
func (c CooldownPolicy) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := float64(c.Base)
	for i := 1; i < failures; i++ {
		d *= c.Factor
		if d >= float64(c.Max) {
			return c.Max
		}
	}
	if time.Duration(d) > c.Max {
		return c.Max
	}
	return time.Duration(d)
}
