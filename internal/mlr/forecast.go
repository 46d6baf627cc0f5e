package mlr

import (
	"fmt"

	"hiermlr/internal/tensor"
)

// Forecast continues the fitted linear predictor past the observed horizon.
// start is the first forecast time index (normally T, the number of
// observed time points) and steps the number of points to project.
// Returns steps x V x G frequencies from a plain softmax over all variants.
func Forecast(c Coefficients, start, steps int) (*tensor.Dense3, error) {
	if c.Intercept == nil || c.Slope == nil {
		return nil, fmt.Errorf("coefficients not estimated")
	}
	if steps <= 0 {
		return nil, fmt.Errorf("steps must be > 0")
	}
	if start < 0 {
		return nil, fmt.Errorf("forecast start must be >= 0, got %d", start)
	}
	vi, gi := c.Intercept.Dims()
	vs, gs := c.Slope.Dims()
	if vi != vs || gi != gs {
		return nil, fmt.Errorf("intercept is %dx%d but slope is %dx%d", vi, gi, vs, gs)
	}
	return softmax(linearPredictor(c, start, steps)), nil
}
