// Package client holds the argument parsing and output rendering shared by
// the atat CLI commands.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atat/gateway/internal/envelope"
	"github.com/atat/gateway/internal/gateway"
	"github.com/atat/gateway/internal/protocol"
)

// ParseData builds a command payload from CLI arguments. A single argument
// starting with "{" is taken as a JSON object; otherwise arguments are read
// as --key value, --key=value or bare --flag pairs.
func ParseData(args []string) (map[string]interface{}, error) {
	if len(args) == 1 && strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		out := map[string]interface{}{}
		if err := json.Unmarshal([]byte(args[0]), &out); err != nil {
			return nil, fmt.Errorf("invalid JSON data: %w", err)
		}
		return out, nil
	}

	out := map[string]interface{}{}
	for i := 0; i < len(args); i++ {
		item := args[i]
		if !strings.HasPrefix(item, "--") || item == "--" {
			return nil, fmt.Errorf("unexpected argument %q (expected --key value)", item)
		}
		key := strings.TrimPrefix(item, "--")
		if strings.Contains(key, "=") {
			parts := strings.SplitN(key, "=", 2)
			appendValue(out, parts[0], normalize(parts[1]))
			continue
		}
		if key == "" {
			return nil, errors.New("empty argument name")
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			appendValue(out, key, normalize(args[i+1]))
			i++
			continue
		}
		out[key] = true
	}
	return out, nil
}

// appendValue turns a repeated key into a list, so --tags a --tags b gives
// ["a", "b"].
func appendValue(out map[string]interface{}, key string, value interface{}) {
	prev, ok := out[key]
	if !ok {
		out[key] = value
		return
	}
	if list, isList := prev.([]interface{}); isList {
		out[key] = append(list, value)
		return
	}
	out[key] = []interface{}{prev, value}
}

func normalize(v string) interface{} {
	trimmed := strings.TrimSpace(v)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var parsed interface{}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

// PrintEnvelope writes env and returns the process exit code: 0 when the
// envelope reports success.
func PrintEnvelope(w io.Writer, env envelope.Envelope, jsonOut bool) int {
	if jsonOut {
		writeJSON(w, env)
	} else {
		status := "ok"
		if !env.Success {
			status = "error"
		}
		fmt.Fprintf(w, "%d %s: %s\n", env.StatusCode, status, env.Message)
		payload := env.Data
		if !env.Success {
			payload = env.Errors
		}
		if payload != nil {
			data, _ := json.MarshalIndent(payload, "", "  ")
			fmt.Fprintln(w, string(data))
		}
	}
	if !env.Success {
		return 1
	}
	return 0
}

func PrintHistory(w io.Writer, calls []protocol.CallRecord, jsonOut bool) {
	if jsonOut {
		writeJSON(w, calls)
		return
	}
	if len(calls) == 0 {
		fmt.Fprintln(w, "no calls recorded")
		return
	}
	for _, c := range calls {
		status := "ok"
		if !c.Success {
			status = "error"
		}
		code := "-"
		if c.Code != 0 {
			code = strconv.Itoa(c.Code)
		}
		fmt.Fprintf(w, "%s %s %s %s (%dms)\n", c.At.Format(time.RFC3339), c.Command, code, status, c.DurationMs)
		if !c.Success && c.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", c.Error)
		}
		if len(c.Data) > 0 {
			data, _ := json.Marshal(c.Data)
			fmt.Fprintf(w, "  data: %s\n", string(data))
		}
	}
}

// PrintCommands lists commands grouped by namespace.
func PrintCommands(w io.Writer, cmds []gateway.CommandInfo, jsonOut bool) {
	if jsonOut {
		writeJSON(w, cmds)
		return
	}
	groups := map[string][]gateway.CommandInfo{}
	for _, c := range cmds {
		groups[c.Namespace] = append(groups[c.Namespace], c)
	}
	names := make([]string, 0, len(groups))
	for ns := range groups {
		names = append(names, ns)
	}
	sort.Strings(names)
	for _, ns := range names {
		fmt.Fprintf(w, "%s:\n", ns)
		for _, c := range groups[ns] {
			note := ""
			if !c.Implemented {
				note = " (not implemented)"
			}
			fmt.Fprintf(w, "  %s%s\n", c.Name, note)
		}
	}
}

func writeJSON(w io.Writer, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
