package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// writeOutput prints v as indented JSON or text as is, depending on format
func writeOutput(w io.Writer, format string, v interface{}, text string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprint(w, text)
	return err
}
