package models

// ClassificationResult is produced by the classification engine and projected onto
// Contract.Classification or Token.TokenType. It is never stored on its own.
type ClassificationResult struct {
	Identifier string   `json:"identifier"`
	Label      string   `json:"label"`
	Confidence int      `json:"confidence"`
	Rule       string   `json:"rule,omitempty"`
	Matched    []string `json:"matched,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Notes      []string `json:"notes,omitempty"`
}
