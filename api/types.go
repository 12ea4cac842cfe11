// Package api holds the imgd HTTP wire contract shared by the server and its
// clients.
package api

const (
	// HeaderGyazoID carries the identifier of a freshly committed artifact.
	HeaderGyazoID = "X-Gyazo-Id"
	// HeaderCSRFToken carries the anti-forgery token on uploads.
	HeaderCSRFToken = "X-CSRF-Token"
	// FieldCSRFToken is the multipart field alternative to HeaderCSRFToken.
	// It must precede the file part.
	FieldCSRFToken = "_csrf"
	// DefaultUploadField is the multipart field the Gyazo client uses.
	DefaultUploadField = "imagedata"
)

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable imgd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
