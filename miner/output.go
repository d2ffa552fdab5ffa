package miner

import (
	"bufio"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"mmmagent/hardware"
)

// DeviceLookup returns the GPU with the given driver index, or nil.
type DeviceLookup func(index int) *hardware.GPU

// hashRateLine matches miner output such as "GPU #0: 23.45 MH/s" or
// "GPU0 65C 512 kH/s". The rate is the first number followed by a hash
// unit, so readings like temperature or fan speed in between are skipped.
var hashRateLine = regexp.MustCompile(`(?i)\bgpu\s*#?(\d+)\b.*?\b(\d+(?:\.\d+)?)\s*([kmgt]?)h/s`)

var unitMultiplier = map[string]float64{
	"":  1,
	"k": 1e3,
	"m": 1e6,
	"g": 1e9,
	"t": 1e12,
}

// ParseHashRate extracts a per-GPU hash rate in H/s from one line of miner
// output.
func ParseHashRate(line string) (index int, hashesPerSecond float64, ok bool) {
	m := hashRateLine.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	index, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	value, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return index, value * unitMultiplier[strings.ToLower(m[3])], true
}

// consumeOutput reads r line by line until EOF, recording hash rates.
func consumeOutput(r io.Reader, lookup DeviceLookup, echo bool, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if echo {
			logger.Debug(line, "source", "miner")
		}
		index, rate, ok := ParseHashRate(line)
		if !ok || lookup == nil {
			continue
		}
		if gpu := lookup(index); gpu != nil {
			gpu.RecordHashRate(rate)
		} else {
			logger.Debug("hash rate for unknown gpu", "index", index)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("stopped parsing miner output", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}
