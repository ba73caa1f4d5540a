package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Response is the JSON envelope for command output.
type Response struct {
	Status string `json:"status"` // "ok" | "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Output writes either a JSON envelope or plain text.
type Output struct {
	Format string
	W      io.Writer
}

func (o *Output) Success(data any, text string) error {
	if o.Format == "json" {
		return o.json(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(o.W, text)
	return err
}

// Failure reports err and returns it so the command exits non-zero.
func (o *Output) Failure(err error) error {
	if o.Format == "json" {
		if jerr := o.json(Response{Status: "error", Error: err.Error()}); jerr != nil {
			return jerr
		}
		return err
	}
	fmt.Fprintf(o.W, "✗ %v\n", err)
	return err
}

func (o *Output) json(r Response) error {
	enc := json.NewEncoder(o.W)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
