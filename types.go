package stashgate

// Credentials identify the store account used for signing. They are
// immutable process configuration and must never be logged.
type Credentials struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Valid reports whether every credential field is present.
func (c Credentials) Valid() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// UploadMode selects how a file reaches the store.
type UploadMode string

const (
	// ModeSingle is one presigned PUT for the whole file.
	ModeSingle UploadMode = "single"
	// ModeMultipart is a part-by-part upload stitched together by Complete.
	ModeMultipart UploadMode = "multipart"
)

// UploadPlan is what a caller needs to move the file bytes itself.
// For single mode only URL is set; for multipart mode UploadID,
// PartSizeBytes and PartURLs are set, with PartURLs[i] bound to part i+1.
type UploadPlan struct {
	Key           string     `json:"key"`
	Mode          UploadMode `json:"mode"`
	URL           string     `json:"url,omitempty"`
	UploadID      string     `json:"upload_id,omitempty"`
	PartSizeBytes int64      `json:"part_size_bytes,omitempty"`
	PartURLs      []string   `json:"part_urls,omitempty"`
}

// MultipartPart is one uploaded part as reported by the client.
type MultipartPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int   `json:"remaining"`
	ResetAtMs int64 `json:"resetAtMs"`
}

// DownloadToken is the cell payload behind an opaque download token.
// Used flips to true on the first successful resolve and never back.
type DownloadToken struct {
	ItemID     string `json:"item_id"`
	UserID     string `json:"user_id"`
	StorageKey string `json:"storage_key"`
	ExpireAtMs int64  `json:"expire_at_ms"`
	OneTime    bool   `json:"one_time"`
	Used       bool   `json:"used"`
}

// Visibility of an item as recorded by the (out of scope) catalog.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// IssueRequest carries everything the broker needs to authorize and issue a
// download token. Identity is assumed already verified by the caller.
type IssueRequest struct {
	ItemID      string
	RequesterID string
	StorageKey  string
	Visibility  Visibility
	OwnerID     string
	RequesterIP string
	// TTLMinutes is the requested token lifetime; 0 means use the default.
	TTLMinutes int
}

// IssueResult is returned on a successful token issuance. The caller builds
// the application URL around the token; the real key never leaves the broker.
type IssueResult struct {
	Token      string `json:"token"`
	TTLMinutes int    `json:"ttlMinutes"`
}
