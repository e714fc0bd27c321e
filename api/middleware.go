package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// GzipRequestMiddleware decompresses gzip-encoded request bodies. The
// decompressed stream is capped at limit bytes so a small compressed body
// cannot expand without bound; invalid gzip payloads get a 400.
func GzipRequestMiddleware(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				metricsFrom(c).SetErrorStage("gzip")
				return writeError(c, invalidInput("invalid gzip body"))
			}

			req.Body = &gzipReadCloser{Reader: io.LimitReader(gr, limit), gz: gr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	if header == "" {
		return false
	}
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipReadCloser struct {
	io.Reader
	gz   *gzip.Reader
	body io.Closer
}

func (g *gzipReadCloser) Close() error {
	err := g.gz.Close()
	if cerr := g.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// recoverJSON turns handler panics into the standard error body.
func recoverJSON() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					metricsFrom(c).SetErrorStage("panic")
					c.Logger().Errorf("panic: %v", r)
					err = c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
				}
			}()
			return next(c)
		}
	}
}
