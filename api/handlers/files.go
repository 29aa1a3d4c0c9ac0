package handlers

import (
	"encoding/base64"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/remote-agent-terminal/workspace/internal/filestore"
)

// FileReader is the read side of the file store.
type FileReader interface {
	Read(path string) ([]byte, error)
	List() (filestore.Tree, error)
}

// FileHandler serves the workspace tree and file contents.
type FileHandler struct {
	files  FileReader
	digest func([]byte) string
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(files FileReader) *FileHandler {
	return &FileHandler{
		files:  files,
		digest: filestore.Digest,
	}
}

// Content encodings of ContentResponse.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// ContentResponse is the body of GET /files/content. Content that is not
// valid UTF-8 is sent base64-encoded so the bytes, and so the hash,
// survive the JSON round trip.
type ContentResponse struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Hash     string `json:"hash"`
}

// Tree handles GET /files - returns the workspace tree.
func (h *FileHandler) Tree(c *gin.Context) {
	tree, err := h.files.List()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list workspace")
		sendModelError(c, err)
		return
	}

	c.JSON(http.StatusOK, tree)
}

// Content handles GET /files/content?path=P - returns one file.
//
// The response carries the content hash as a strong ETag, so a client
// that already holds the current version gets 304 Not Modified.
func (h *FileHandler) Content(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Query parameter path is required")
		return
	}

	data, err := h.files.Read(path)
	if err != nil {
		sendModelError(c, err)
		return
	}

	hash := h.digest(data)
	etag := `"` + hash + `"`
	c.Header("ETag", etag)
	c.Header("Cache-Control", "no-cache")

	if etagMatches(c.GetHeader("If-None-Match"), etag) {
		c.Status(http.StatusNotModified)
		return
	}

	resp := ContentResponse{
		Path:     path,
		Content:  string(data),
		Encoding: EncodingUTF8,
		Hash:     hash,
	}
	if !utf8.Valid(data) {
		resp.Content = base64.StdEncoding.EncodeToString(data)
		resp.Encoding = EncodingBase64
	}
	c.JSON(http.StatusOK, resp)
}

// etagMatches reports whether an If-None-Match header matches etag.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}

// RegisterRoutes registers the file routes on a Gin router group.
func (h *FileHandler) RegisterRoutes(rg *gin.RouterGroup) {
	files := rg.Group("/files")
	{
		files.GET("", h.Tree)
		files.GET("/content", h.Content)
	}
}
