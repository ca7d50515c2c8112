package types

// Sentence is one unit of transformed output: the normalized form produced by
// the transformation capability paired with the original source text it was
// derived from.
type Sentence struct {
	Normalized string `json:"normalized"`
	Original   string `json:"original"`
}
