package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Code is a facility or severity that shippers send either as a name
// ("auth", "warning") or as a numeric syslog code. Numbers keep their
// decimal text.
type Code string

func (c *Code) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("code must be a string or a number: %w", err)
	}
	*c = Code(n.String())
	return nil
}
