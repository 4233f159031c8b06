package summarizer

import "fmt"

type SummaryRequest struct {
	Title    string
	Headings string
	Body     string
}

// AssembleInput labels each part so the model sees the document structure.
func AssembleInput(req SummaryRequest) string {
	return fmt.Sprintf("Title: %s\nHeadings: %s\nContent: %s", req.Title, req.Headings, req.Body)
}
