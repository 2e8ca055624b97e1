package probe

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// sensorLineRe matches lm-sensors lines such as
//
//	Core 0:        +46.0°C  (high = +101.0°C, crit = +115.0°C)
var sensorLineRe = regexp.MustCompile(`(?m)^(.*?):\s+\+?(-?\d+(?:\.\d*)?)°C`)

// smartTempRe is not tied to an attribute ID (194, 190 or vendor specific).
// It takes the last number on the first line mentioning Temperature,
// ignoring a trailing numeric annotation such as "(0 17 0 0 0)".
var smartTempRe = regexp.MustCompile(`(?m)Temperature.*\s(\d+)\s*(?:\([\d\s]*\)|)$`)

// ParseSensors extracts label/value pairs from `sensors` text output in the
// order they appear. Lines that do not match are ignored.
func ParseSensors(text string) ([]Entry, error) {
	var entries []Entry
	for _, m := range sensorLineRe.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrUnparseable, m[1], err)
		}
		entries = append(entries, Entry{Label: m[1], Value: v})
	}
	return entries, nil
}

// ParseSmartTemperature extracts the drive temperature from `smartctl -A`
// output.
func ParseSmartTemperature(text string) (int64, error) {
	m := smartTempRe.FindStringSubmatch(text)
	if m == nil {
		return 0, ErrFieldAbsent
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		return 0, fmt.Errorf("%w: %q: %v", ErrUnparseable, m[1], err)
	}
	return v, nil
}
