package sseblocks

import "encoding/json"

// forceTaskRunInBackgroundFalse parses the accumulated arguments JSON for a
// Task tool call and forces run_in_background to false, regardless of what
// the model asked for. ok is false if raw isn't valid JSON (e.g. the
// upstream never sent any arguments), in which case the caller should fall
// back to emitting raw verbatim.
func forceTaskRunInBackgroundFalse(raw string) (corrected string, ok bool) {
	if raw == "" {
		return "", false
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", false
	}
	args["run_in_background"] = false
	out, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return string(out), true
}
