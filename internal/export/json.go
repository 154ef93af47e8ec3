package export

import (
	"encoding/json"
	"io"
)

// JSONExporter exports sessions in JSON format (pretty-printed)
type JSONExporter struct{}

// Export exports a session to JSON format
func (e *JSONExporter) Export(doc *Document, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(buildView(doc))
}

// Extension returns the file extension for this format
func (e *JSONExporter) Extension() string {
	return "json"
}
