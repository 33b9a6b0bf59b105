package rollout

import (
	"math"
	"math/rand"
)

// CartPole is a one-dimensional balancing task: the force output pushes a
// damped, spring-loaded cart back towards the origin.
type CartPole struct {
	X float64
	V float64
}

var defaultStartPositions = []float64{-0.8, -0.4, 0.0, 0.4, 0.8}

const cartPoleBound = 2.0

func (c *CartPole) Reset(start float64) {
	c.X = start
	c.V = 0
}

// ResetRandom starts from one of the default positions.
func (c *CartPole) ResetRandom(rng *rand.Rand) {
	c.Reset(defaultStartPositions[rng.Intn(len(defaultStartPositions))])
}

func (c *CartPole) Observation() []float64 {
	return []float64{c.X, c.V}
}

// Step applies force, clamped to [-1, 1], and reports the reward and whether
// the cart left the track.
func (c *CartPole) Step(force float64) (reward float64, done bool) {
	const (
		dt       = 0.1
		kPos     = 0.45
		kVel     = 0.15
		forceK   = 1.25
		maxForce = 1.0
	)
	force = math.Max(-maxForce, math.Min(maxForce, force))

	acc := forceK*force - kPos*c.X - kVel*c.V
	c.V += acc * dt
	c.X += c.V * dt
	reward = 1.0 - math.Min(1.0, math.Abs(c.X)/cartPoleBound)
	return reward, math.Abs(c.X) > cartPoleBound
}
