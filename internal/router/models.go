package router

// ErrorPayload is the body of the scoped "error" event.
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
