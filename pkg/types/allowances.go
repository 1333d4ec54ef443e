package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Value stores the allowance list as a JSON column.
func (a Allowances) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal allowances: %w", err)
	}
	return string(b), nil
}

// Scan restores the allowance list from a JSON column.
func (a *Allowances) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("scan allowances: unsupported type %T", src)
	}
}
