package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/optqueue/queue"
)

// parseParam reads "name=from:to[:step]" or "name=a|b|c".
func parseParam(spec string) (string, queue.ParamRange, error) {
	name, value, ok := strings.Cut(spec, "=")
	name, value = strings.TrimSpace(name), strings.TrimSpace(value)
	if !ok || name == "" || value == "" {
		return "", queue.ParamRange{}, fmt.Errorf("param %q: want name=from:to:step or name=a|b", spec)
	}

	if strings.Contains(value, ":") {
		parts := strings.Split(value, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return "", queue.ParamRange{}, fmt.Errorf("param %q: want from:to or from:to:step", spec)
		}
		nums := make([]float64, 3)
		nums[2] = 1
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return "", queue.ParamRange{}, fmt.Errorf("param %q: %w", spec, err)
			}
			nums[i] = f
		}
		return name, queue.ParamRange{From: nums[0], To: nums[1], Step: nums[2]}, nil
	}

	var opts []string
	for _, o := range strings.Split(value, "|") {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	return name, queue.ParamRange{Options: opts}, nil
}

// loadForm reads a queue.Form from a YAML (or JSON) file. Keys use the same
// names as the JSON form accepted by the dashboard.
func loadForm(path string) (queue.Form, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return queue.Form{}, fmt.Errorf("read form: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return queue.Form{}, fmt.Errorf("parse form: %w", err)
	}
	// Round-trip through JSON so the Form's json tags drive decoding.
	raw, err := json.Marshal(doc)
	if err != nil {
		return queue.Form{}, fmt.Errorf("parse form: %w", err)
	}
	var form queue.Form
	if err := json.Unmarshal(raw, &form); err != nil {
		return queue.Form{}, fmt.Errorf("decode form: %w", err)
	}
	return form, nil
}
