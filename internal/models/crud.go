package models

import "encoding/json"

// CrudEntry is one element of the upload body. Data is the current row state
// serialized by its TableSpec and is omitted for DELETE
type CrudEntry struct {
	Op   OpKind          `json:"op"`
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UploadPayload is the body accepted by the remote upload endpoint
type UploadPayload struct {
	Crud []CrudEntry `json:"crud"`
}

// Credentials are short-lived and fetched for every connect/retry cycle. Never persisted
type Credentials struct {
	Endpoint string
	Token    string
}

// TokenResponse is the body returned by the credentials endpoint
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}
