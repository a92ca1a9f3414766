package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
)

// DefaultPageSize is the page size requested by IterJSONPages.
const DefaultPageSize = 1000

// Page is one page of a /ws JSON result set. The service reports counters
// as strings; numeric JSON is accepted too.
type Page struct {
	ResultTotalRows   Count             `json:"resultTotalRows"`
	RequestedStartRow Count             `json:"requestedStartRow"`
	ResultSize        Count             `json:"resultSize"`
	RequestedSize     Count             `json:"requestedSize"`
	RemainingSize     Count             `json:"remainingSize"`
	Items             []json.RawMessage `json:"items"`
}

// Count is an integer that may be encoded as a JSON string or number.
type Count int

// UnmarshalJSON accepts "12", 12 and null.
func (n *Count) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("count %q: %w", data, err)
	}
	*n = Count(v)
	return nil
}

// Query builds request parameters holding a compiled condition.
func Query(cond Expression) url.Values {
	params := url.Values{}
	if cond != nil {
		params.Set("condition", cond.Compile())
	}
	return params
}

// IterJSONPages walks a paged JSON result set, calling fn for every item in
// order. Pages are requested with start/size until the service reports no
// remaining rows. fn may return ErrStopIteration to end the walk early.
//
// Parameters:
//   - ctx: Context for cancellation
//   - path: Resource path, e.g. "/ws/Monitor"
//   - params: Extra query parameters (condition etc.), may be nil
//   - pageSize: Rows per page; non-positive selects DefaultPageSize
//   - fn: Visitor called with each raw item
func (c *Client) IterJSONPages(ctx context.Context, path string, params url.Values, pageSize int, fn func(item json.RawMessage) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	start := 0
	for {
		q := url.Values{}
		for k, vs := range params {
			q[k] = append([]string(nil), vs...)
		}
		q.Set("start", strconv.Itoa(start))
		q.Set("size", strconv.Itoa(pageSize))

		var page Page
		if err := c.GetJSON(ctx, path, q, &page); err != nil {
			return err
		}

		for _, item := range page.Items {
			if err := fn(item); err != nil {
				if errors.Is(err, ErrStopIteration) {
					return nil
				}
				return err
			}
		}

		if page.RemainingSize <= 0 || len(page.Items) == 0 {
			return nil
		}
		start += len(page.Items)
	}
}
