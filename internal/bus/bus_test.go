package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeController struct {
	started []bool
	stops   int
	steps   int
}

func (f *fakeController) Start(stepped bool) error {
	f.started = append(f.started, stepped)
	return nil
}

func (f *fakeController) Stop() error {
	f.stops++
	return nil
}

func (f *fakeController) Step() error {
	f.steps++
	return errors.New("not running")
}

func TestApply(t *testing.T) {
	ctl := &fakeController{}

	assert.NoError(t, Apply(ctl, &Control{Command: "start", Stepped: true}))
	assert.NoError(t, Apply(ctl, &Control{Command: "stop"}))
	assert.EqualError(t, Apply(ctl, &Control{Command: "step"}), "not running")
	assert.Error(t, Apply(ctl, &Control{Command: "dance"}))

	assert.Equal(t, []bool{true}, ctl.started)
	assert.Equal(t, 1, ctl.stops)
	assert.Equal(t, 1, ctl.steps)
}
