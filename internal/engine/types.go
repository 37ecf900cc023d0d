package engine

// GenerateOptions are the sampling parameters of a completion request.
// JSON asks the backend to constrain the output to one JSON object; the
// prompt must still describe the shape.
type GenerateOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	JSON        bool
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
