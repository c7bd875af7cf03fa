package upstream

import "io"

// progressReader invokes a callback as bytes flow through it.
type progressReader struct {
	inner      io.Reader
	total      int64
	sent       int64
	onProgress func(UploadProgress)
}

func newProgressReader(inner io.Reader, total int64, onProgress func(UploadProgress)) *progressReader {
	return &progressReader{inner: inner, total: total, onProgress: onProgress}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.inner.Read(b)
	if n > 0 {
		p.sent += int64(n)
		event := UploadProgress{
			BytesSent:  p.sent,
			BytesTotal: p.total,
		}
		if p.total > 0 {
			event.TotalKnown = true
			event.Percent = float64(p.sent) / float64(p.total) * 100
		}
		p.onProgress(event)
	}
	return n, err
}
