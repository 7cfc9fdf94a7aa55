// Package stream frames encoded images as multipart chunks and fans them out
// to viewers.
package stream

import "bytes"

// Boundary separates parts of the multipart/x-mixed-replace stream
const Boundary = "frame"

// ContentType is the HTTP content type of a chunk stream
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Chunk wraps one encoded image as a multipart part:
// boundary line, content type header, blank line, payload, CRLF.
func Chunk(encoded []byte, contentType string) []byte {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	var b bytes.Buffer
	b.Grow(len(encoded) + len(contentType) + 40)
	b.WriteString("--" + Boundary + "\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n\r\n")
	b.Write(encoded)
	b.WriteString("\r\n")
	return b.Bytes()
}
