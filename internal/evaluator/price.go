package evaluator

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// priceFields are the JSON field names checked for a price value, in
// priority order. These cover the common exchange and aggregator response
// shapes.
var priceFields = []string{"price", "last", "close", "usd", "USD"}

const maxPriceDepth = 3

// extractPrice parses a JSON response body and digs out a positive price.
// Nested payloads like {"data":{"price":"67123.4"}} are searched up to a
// small depth; numbers may arrive as JSON numbers or numeric strings.
func extractPrice(body io.Reader) (float64, error) {
	var payload any
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return 0, fmt.Errorf("parsing response: %w", err)
	}
	price, ok := findPrice(payload, maxPriceDepth)
	if !ok {
		return 0, fmt.Errorf("no price field in response (looked for %v)", priceFields)
	}
	return price, nil
}

func findPrice(v any, depth int) (float64, bool) {
	if depth < 0 {
		return 0, false
	}
	switch node := v.(type) {
	case map[string]any:
		for _, field := range priceFields {
			if raw, ok := node[field]; ok {
				if p, ok := asPrice(raw); ok {
					return p, true
				}
			}
		}
		// Nested candidates are visited in key order so extraction is
		// deterministic when several branches carry a price.
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if p, ok := findPrice(node[k], depth-1); ok {
				return p, true
			}
		}
	case []any:
		for _, raw := range node {
			if p, ok := findPrice(raw, depth-1); ok {
				return p, true
			}
		}
	}
	return 0, false
}

func asPrice(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil || f <= 0 {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || f <= 0 {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
