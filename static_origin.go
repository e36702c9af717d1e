package edge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// dirOrigin serves a read-only object tree. The tree is replaced wholesale on publish,
// so objects are always read through fsys and never memoized here.
type dirOrigin struct {
	id            string
	fsys          fs.FS
	timeout       time.Duration
	maxObjectSize int64
}

func (o *dirOrigin) ID() string {
	return o.id
}

func (o *dirOrigin) Kind() OriginKind {
	return OriginStatic
}

func (o *dirOrigin) Invoke(ctx context.Context, req *OriginRequest) *OriginResponse {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return statusOnly(http.StatusMethodNotAllowed)
	}

	name, ok := objectName(req.Path)
	if !ok {
		return statusOnly(http.StatusForbidden)
	}

	info, err := fs.Stat(o.fsys, name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return statusOnly(http.StatusNotFound)
	case err != nil:
		return originFailure(OriginReadError, err)
	case info.IsDir():
		// Object stores deny access to keys that are only prefixes.
		return statusOnly(http.StatusForbidden)
	}

	if o.maxObjectSize > 0 && info.Size() > o.maxObjectSize {
		return originFailure(OriginBodyTooLarge, fmt.Errorf("object %s is %d bytes", name, info.Size()))
	}

	body, err := readObject(ctx, o.fsys, name)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return originFailure(contextErrorKind(ctxErr), ctxErr)
		}

		return originFailure(OriginReadError, err)
	}

	etag := contentETag(body)

	header := http.Header{}
	header.Set("ETag", etag)
	header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	header.Set("Content-Type", contentType(name, body))

	if req.Header.Get("If-None-Match") == etag {
		return &OriginResponse{Status: http.StatusNotModified, Header: header}
	}

	header.Set("Content-Length", strconv.Itoa(len(body)))

	if req.Method == http.MethodHead {
		body = nil
	}

	return &OriginResponse{Status: http.StatusOK, Header: header, Body: body}
}

// objectName maps a request path to an fs.FS name. The second result is false for
// the store root and for paths that cannot name an object.
func objectName(p string) (string, bool) {
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" || !fs.ValidPath(name) {
		return "", false
	}

	return name, true
}

func readObject(ctx context.Context, fsys fs.FS, name string) ([]byte, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	return io.ReadAll(f)
}

func contentETag(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func contentType(name string, body []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}

	return mimetype.Detect(body).String()
}

func statusOnly(status int) *OriginResponse {
	return &OriginResponse{Status: status, Header: http.Header{}}
}

func contextErrorKind(err error) OriginErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return OriginTimeout
	}

	return OriginCanceled
}
