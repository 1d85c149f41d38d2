package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"evalgo.org/seed/models"
)

func device(cores int, ramGB, vramGB, diskGB float64) models.DeviceCapabilities {
	return models.DeviceCapabilities{
		Hostname:       "dev",
		IP:             "10.0.0.1",
		CPUCores:       cores,
		RAMTotalGB:     ramGB,
		GPUVRAMTotalGB: vramGB,
		DiskTotalGB:    diskGB,
		DiskAvailGB:    diskGB,
	}
}

func TestScoreBounds(t *testing.T) {
	s := New(DefaultCeilings, DefaultMinimum, nil)

	assert.Equal(t, 0.0, s.Score(models.DeviceCapabilities{}))
	assert.Equal(t, 100.0, s.Score(device(16, 64, 24, 2048)))
	assert.Equal(t, 100.0, s.Score(device(128, 512, 96, 16384)), "metrics saturate at the ceilings")
}

func TestScoreWeights(t *testing.T) {
	s := New(DefaultCeilings, DefaultMinimum, nil)

	assert.Equal(t, 40.0, s.Score(device(0, 64, 0, 0)))
	assert.Equal(t, 30.0, s.Score(device(0, 0, 24, 0)))
	assert.Equal(t, 20.0, s.Score(device(16, 0, 0, 0)))
	assert.Equal(t, 10.0, s.Score(device(0, 0, 0, 2048)))
}

func TestScoreIsMonotonic(t *testing.T) {
	s := New(DefaultCeilings, DefaultMinimum, nil)
	base := device(4, 8, 4, 256)

	bumps := map[string]func(d *models.DeviceCapabilities, step float64){
		"ram":  func(d *models.DeviceCapabilities, step float64) { d.RAMTotalGB += step },
		"vram": func(d *models.DeviceCapabilities, step float64) { d.GPUVRAMTotalGB += step },
		"cpu":  func(d *models.DeviceCapabilities, step float64) { d.CPUCores += int(step) },
		"disk": func(d *models.DeviceCapabilities, step float64) { d.DiskAvailGB += step * 64 },
	}

	for name, bump := range bumps {
		t.Run(name, func(t *testing.T) {
			current := base
			previous := s.Score(current)
			for i := 0; i < 40; i++ {
				bump(&current, 2)
				next := s.Score(current)
				assert.GreaterOrEqual(t, next, previous)
				previous = next
			}
		})
	}
}

func TestMeetsMinimum(t *testing.T) {
	s := New(DefaultCeilings, DefaultMinimum, nil)

	tests := []struct {
		name string
		caps models.DeviceCapabilities
		want bool
	}{
		{"exactly at floor", device(2, 4, 0, 100), true},
		{"comfortable", device(8, 16, 0, 200), true},
		{"too few cores", device(1, 16, 0, 500), false},
		{"too little ram", device(8, 3.5, 0, 500), false},
		{"too little disk", device(2, 4, 0, 32), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.MeetsMinimum(tt.caps))
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	s := New(DefaultCeilings, DefaultMinimum, nil)
	in := []models.DeviceCapabilities{device(8, 16, 0, 200)}

	out := s.Apply(in)

	assert.Zero(t, in[0].Score)
	assert.False(t, in[0].MeetsMinimum)
	assert.Greater(t, out[0].Score, 0.0)
	assert.True(t, out[0].MeetsMinimum)
}

func TestZeroCeilingsFallBackToDefaults(t *testing.T) {
	s := New(Ceilings{}, DefaultMinimum, nil)
	assert.Equal(t, 100.0, s.Score(device(16, 64, 24, 2048)))
}
