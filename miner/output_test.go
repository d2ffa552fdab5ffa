package miner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"mmmagent/hardware"
	"mmmagent/logger"
)

func TestParseHashRate(t *testing.T) {
	tests := []struct {
		line  string
		index int
		rate  float64
		ok    bool
	}{
		{"GPU #0: 23.45 MH/s", 0, 23.45e6, true},
		{"  gpu #3 speed 512 kH/s", 3, 512e3, true},
		{"GPU1 1.5 GH/s", 1, 1.5e9, true},
		{"GPU #2: 900 H/s", 2, 900, true},
		{"GPU #0: 30 Mh/s accepted", 0, 30e6, true},
		{"GPU0 65C 23.45 MH/s", 0, 23.45e6, true},
		{"GPU #1 fan 70% 120 W 31.2 MH/s", 1, 31.2e6, true},
		{"Total speed: 47 MH/s", 0, 0, false},
		{"GPU #0 temperature 65C", 0, 0, false},
		{"", 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			index, rate, ok := ParseHashRate(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.index, index)
				assert.InDelta(t, tt.rate, rate, 1e-3)
			}
		})
	}
}

func TestConsumeOutputRecordsIntoDevices(t *testing.T) {
	gpu0 := hardware.NewGPU(0, "GeForce GTX 1080", "GPU-aaa")
	gpu1 := hardware.NewGPU(1, "GeForce GTX 1070", "GPU-bbb")
	lookup := func(index int) *hardware.GPU {
		switch index {
		case 0:
			return gpu0
		case 1:
			return gpu1
		}
		return nil
	}

	output := strings.Join([]string{
		"starting miner",
		"GPU #0: 100 H/s",
		"GPU #1: 250 H/s",
		"GPU #0: 300 H/s",
		"GPU #7: 999 H/s",
	}, "\n")

	consumeOutput(strings.NewReader(output), lookup, true, logger.Discard())

	assert.Equal(t, int64(200), gpu0.AverageHashRate())
	assert.Equal(t, int64(250), gpu1.AverageHashRate())
}
