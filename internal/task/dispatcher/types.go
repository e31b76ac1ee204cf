package dispatcher

import "encoding/json"

// Result is one per-task entry of a Summary: either a handler result or an error.
type Result struct {
	TaskID int64
	Result any
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// MarshalJSON renders {"task_id":N,"result":...} or {"task_id":N,"error":"..."}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(struct {
			TaskID int64  `json:"task_id"`
			Error  string `json:"error"`
		}{r.TaskID, r.Err.Error()})
	}
	return json.Marshal(struct {
		TaskID int64 `json:"task_id"`
		Result any   `json:"result"`
	}{r.TaskID, r.Result})
}

// Summary is the outcome of one RunDue call.
// Executed counts every due task, including ones skipped for lack of a handler.
type Summary struct {
	Executed int      `json:"executed"`
	Details  []Result `json:"details"`
}
