package platform

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// flexibleInt64 accepts both numeric and quoted-string JSON values; the
// two platforms disagree on the type of created_at.
type flexibleInt64 int64

func (f *flexibleInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		var fl float64
		if jerr := json.Unmarshal(data, &fl); jerr != nil {
			return err
		}
		n = int64(fl)
	}
	*f = flexibleInt64(n)
	return nil
}
