package uploader

// WithPartSize overrides the part size so tests can exercise multipart
// uploads with small files.
func WithPartSize(n int64) Option {
	return func(u *Uploader) { u.partSize = n }
}
