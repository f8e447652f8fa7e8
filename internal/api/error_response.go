package api //nolint:revive // package name is intentional

// ErrorResponse is the error envelope every non-2xx reply carries.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure in canonical taxonomy terms.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FailureDetail explains a terminal failure inside the status document.
type FailureDetail struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	Attempts     int    `json:"attempts"`
	LastProvider string `json:"lastProvider,omitempty"`
}
