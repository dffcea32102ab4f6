package bridge

import (
	"encoding/json"
	"fmt"
)

// listPage is the envelope of every Bridge list endpoint.
type listPage struct {
	Resources  json.RawMessage `json:"resources"`
	Pagination pagination      `json:"pagination"`
}

func (p *listPage) decode(out any) error {
	if len(p.Resources) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Resources, out); err != nil {
		return fmt.Errorf("failed to decode bridge resources: %w", err)
	}
	return nil
}
