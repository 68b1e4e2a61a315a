package frontend

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadCMVNTable parses the Kaldi-style am.mvn text format: an `<AddShift>`
// section followed by a bracketed row of per-dimension shift values, then a
// `<Rescale>` section followed by a bracketed row of per-dimension scale
// values. Both rows must have length FeatureDim.
func LoadCMVNTable(path string) (*CMVNTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frontend: open cmvn table %s: %w", path, err)
	}
	defer f.Close()

	shift, scale, err := parseCMVN(f)
	if err != nil {
		return nil, fmt.Errorf("frontend: parse cmvn table %s: %w", path, err)
	}
	return &CMVNTable{Shift: shift, Scale: scale}, nil
}

func parseCMVN(r io.Reader) (shift, scale []float32, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var section string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.Contains(line, "<AddShift>"):
			section = "shift"
			continue
		case strings.Contains(line, "<Rescale>"):
			section = "scale"
			continue
		case strings.HasPrefix(line, "<"):
			continue
		}

		if section == "" || !strings.Contains(line, "[") {
			continue
		}

		values, perr := parseBracketedRow(line)
		if perr != nil {
			return nil, nil, perr
		}

		switch section {
		case "shift":
			shift = values
		case "scale":
			scale = values
		}
		section = ""
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	if len(shift) != FeatureDim {
		return nil, nil, fmt.Errorf("add-shift row has %d values, want %d", len(shift), FeatureDim)
	}
	if len(scale) != FeatureDim {
		return nil, nil, fmt.Errorf("rescale row has %d values, want %d", len(scale), FeatureDim)
	}
	return shift, scale, nil
}

func parseBracketedRow(line string) ([]float32, error) {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "[")
	line = strings.TrimSuffix(line, "]")
	fields := strings.Fields(line)

	out := make([]float32, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return nil, fmt.Errorf("parse cmvn value %q: %w", f, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}
