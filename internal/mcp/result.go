package mcp

import (
	"bytes"
	"encoding/json"
)

// ResultKind tags the variant held by a ToolResult.
type ResultKind int

const (
	// ResultText is plain text from the first content item.
	ResultText ResultKind = iota + 1
	// ResultStructured is JSON that carried no text to unwrap.
	ResultStructured
	// ResultError is the message of a result the tool flagged as failed.
	ResultError
)

// String returns the lowercase name of the kind.
func (k ResultKind) String() string {
	switch k {
	case ResultText:
		return "text"
	case ResultStructured:
		return "structured"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolResult is the outcome of a tools/call, converted once from the
// wire result. Exactly one of Text or Data is meaningful, chosen by Kind.
type ToolResult struct {
	Kind ResultKind
	Text string
	Data json.RawMessage
}

// TextResult returns a ResultText value.
func TextResult(s string) ToolResult { return ToolResult{Kind: ResultText, Text: s} }

// StructuredResult returns a ResultStructured value.
func StructuredResult(data json.RawMessage) ToolResult {
	return ToolResult{Kind: ResultStructured, Data: data}
}

// ErrorResult returns a ResultError value.
func ErrorResult(msg string) ToolResult { return ToolResult{Kind: ResultError, Text: msg} }

// IsError reports whether the tool flagged its own result as failed.
func (r ToolResult) IsError() bool { return r.Kind == ResultError }

// String renders the result for display: text verbatim, structured
// data as compact JSON.
func (r ToolResult) String() string {
	if r.Kind == ResultStructured {
		var buf bytes.Buffer
		if err := json.Compact(&buf, r.Data); err != nil {
			return string(r.Data)
		}
		return buf.String()
	}
	return r.Text
}

// Value returns the primary value: a string for text and error
// results, the decoded JSON for structured ones.
func (r ToolResult) Value() any {
	if r.Kind != ResultStructured {
		return r.Text
	}
	var v any
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return string(r.Data)
	}
	return v
}

// MarshalJSON encodes the result as {"type": kind, "text"|"data": ...}.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Type string          `json:"type"`
		Text string          `json:"text,omitempty"`
		Data json.RawMessage `json:"data,omitempty"`
	}{Type: r.Kind.String()}
	if r.Kind == ResultStructured {
		out.Data = r.Data
	} else {
		out.Text = r.Text
	}
	return json.Marshal(out)
}

// decodeToolResult converts a tools/call result. The first content
// item's text is the primary value; a first item without text is kept
// as structured data, and a result with no content is kept whole.
func decodeToolResult(raw json.RawMessage) ToolResult {
	var res struct {
		Content []json.RawMessage `json:"content"`
		IsError bool              `json:"isError"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return StructuredResult(raw)
	}

	if len(res.Content) == 0 {
		if res.IsError {
			return ErrorResult("tool reported an error without content")
		}
		return StructuredResult(raw)
	}

	first := res.Content[0]
	var item struct {
		Text *string `json:"text"`
	}
	_ = json.Unmarshal(first, &item)

	switch {
	case res.IsError && item.Text != nil:
		return ErrorResult(*item.Text)
	case res.IsError:
		return ErrorResult(string(first))
	case item.Text != nil:
		return TextResult(*item.Text)
	default:
		return StructuredResult(first)
	}
}
