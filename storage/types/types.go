package types

type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}
