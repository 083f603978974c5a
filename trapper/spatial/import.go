package spatial

import "fmt"

type RowError struct {
	Line    int    `json:"line"`
	Id      string `json:"id"`
	Message string `json:"message"`
}

type ImportResult struct {
	Imported int        `json:"imported"`
	Total    int        `json:"total"`
	Errors   []RowError `json:"errors"`
}

func (r *ImportResult) fail(line int, id string, format string, args ...any) {
	r.Errors = append(r.Errors, RowError{Line: line, Id: id, Message: fmt.Sprintf(format, args...)})
}

// Summary is the human readable outcome sent back to the importing user.
func (r ImportResult) Summary(kind string) string {
	if r.Imported == 0 && r.Total > 0 {
		return fmt.Sprintf("None of the %v could be imported.", kind)
	}
	return fmt.Sprintf("Imported %d out of %d %v.", r.Imported, r.Total, kind)
}
