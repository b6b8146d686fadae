package web

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

//go:embed static/index.html
var staticFS embed.FS

// mimeToExt maps accepted upload types to file extensions. Anything else
// is rejected.
var mimeToExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

var extToMime = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
}

func (c *Connection) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", c.handleIndex)
	mux.HandleFunc("GET /ws", c.handleWS)
	mux.HandleFunc("GET /media/", c.handleMedia)
	mux.HandleFunc("POST /api/voice", c.handleVoice)
	mux.HandleFunc("POST /api/upload", c.handleUpload)
}

// handleIndex serves the chat shell page. A page in WebDir takes priority
// over the embedded one so deployments can replace the client. The page
// itself carries no secrets; everything it loads afterwards is token-gated.
func (c *Connection) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if c.cfg.WebDir != "" {
		custom := filepath.Join(c.cfg.WebDir, "index.html")
		if _, err := os.Stat(custom); err == nil {
			http.ServeFile(w, r, custom)
			return
		}
	}
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "Client page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// handleMedia serves previously uploaded files by name.
func (c *Connection) handleMedia(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	name := r.URL.Path[len("/media/"):]
	path, err := c.mediaPath(name)
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if mime, ok := extToMime[filepath.Ext(path)]; ok {
		w.Header().Set("Content-Type", mime)
	}
	http.ServeFile(w, r, path)
}

// handleVoice accepts a voice recording, transcribes it, and feeds the
// transcript through the normal inbound path.
func (c *Connection) handleVoice(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if c.transcriber == nil {
		http.Error(w, "Transcription not configured", http.StatusServiceUnavailable)
		return
	}

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxVoiceBytes))
	if err != nil {
		http.Error(w, "Recording too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(audio) == 0 {
		http.Error(w, "Empty recording", http.StatusBadRequest)
		return
	}

	mime := r.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/webm"
	}
	transcript, err := c.transcriber.Transcribe(r.Context(), audio, "voice.webm", mime)
	if err != nil {
		c.logger.Error("web: voice transcription failed", "error", err)
		http.Error(w, "Transcription failed", http.StatusInternalServerError)
		return
	}

	if transcript != "" {
		c.handleInbound(transcript)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"text": transcript})
}

// handleUpload stores an image into the media directory and surfaces it as
// an inbound message referencing the stored file.
func (c *Connection) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ext, ok := mimeToExt[r.Header.Get("Content-Type")]
	if !ok {
		http.Error(w, "Unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		http.Error(w, "Empty upload", http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(c.cfg.MediaDir, 0o755); err != nil {
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}
	name := fmt.Sprintf("upload-%d-%s%s", time.Now().UnixMilli(), uuid.NewString()[:8], ext)
	path := filepath.Join(c.cfg.MediaDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Error("web: upload write failed", "error", err)
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}

	caption := r.URL.Query().Get("caption")
	text := "[Image: " + name + "]"
	if caption != "" {
		text += " " + caption
	}
	c.handleInbound(text)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"file": name, "url": "/media/" + name})
}
