package main

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Embed the chat widget.
//
//go:embed web
var staticAssets embed.FS

// staticFile is an embedded asset with a precomputed weak ETag.
type staticFile struct {
	name        string
	contentType string
	data        []byte
	etag        string
	modTime     time.Time
}

func loadStaticFile(fsys fs.FS, name, contentType string) (*staticFile, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(data)
	return &staticFile{
		name:        name,
		contentType: contentType,
		data:        data,
		etag:        `W/"` + hex.EncodeToString(h[:8]) + `"`,
		// embed.FS reports a zero mod time; use process start.
		modTime: time.Now(),
	}, nil
}

// attachStatic registers the widget page and script:
//  1. GET /widget serves the standalone chat page
//  2. GET /widget.js serves the embeddable loader
func attachStatic(engine *gin.Engine) {
	webFS, err := fs.Sub(staticAssets, "web")
	if err != nil {
		return
	}

	routes := map[string]struct{ file, contentType string }{
		"/widget":    {"widget.html", "text/html; charset=utf-8"},
		"/widget.js": {"widget.js", "application/javascript; charset=utf-8"},
	}
	for path, r := range routes {
		f, err := loadStaticFile(webFS, r.file, r.contentType)
		if err != nil {
			continue
		}
		engine.GET(path, f.serve)
		engine.HEAD(path, f.serve)
	}
}

func (f *staticFile) serve(c *gin.Context) {
	if c.Request.Header.Get("If-None-Match") == f.etag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("ETag", f.etag)
	c.Header("Cache-Control", "no-cache")
	c.Header("Content-Type", f.contentType)
	http.ServeContent(c.Writer, c.Request, f.name, f.modTime, bytes.NewReader(f.data))
}
