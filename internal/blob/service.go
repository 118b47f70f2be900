// Package blob — хранение вложений: сервис загрузки/раздачи и HTTP-клиент
// для api-сервиса.
package blob

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/conversa/internal/logger"
	"github.com/oklog/ulid/v2"
)

// Блокируем только опасные расширения (исполняемые/скрипты). Остальные — разрешены.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

// UploadResponse — ответ после успешной загрузки.
type UploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	ContentType string `json:"contentType"`
}

// Service обрабатывает загрузку и раздачу вложений. Объекты именуются ULID:
// лексикографический порядок имен совпадает с порядком загрузки, что упрощает
// обход каталога при обслуживании.
type Service struct {
	UploadDir     string
	MaxUploadSize int64
}

func New(uploadDir string, maxUploadSize int64) *Service {
	return &Service{UploadDir: uploadDir, MaxUploadSize: maxUploadSize}
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("blob writeJSON: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

func newObjectName(ext string) string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String() + ext
}

// Upload обрабатывает POST multipart/form-data с полем "file".
func (s *Service) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUploadSize)

	if err := r.ParseMultipartForm(s.MaxUploadSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "file too large")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// В ряде клиентов/прокси пробел в имени кодируется как "+"; нормализуем для отображения и расширения.
	rawFilename := strings.ReplaceAll(header.Filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawFilename))
	if BlockedExt[ext] {
		s.writeError(w, http.StatusBadRequest, "file type not allowed")
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(file, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		s.writeError(w, http.StatusBadRequest, "file content does not match type")
		return
	}

	newName := newObjectName(ext)
	if err := os.MkdirAll(s.UploadDir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create upload dir")
		return
	}

	// Сохраняем в сжатом виде (.gz) для экономии места
	dstPath := filepath.Join(s.UploadDir, newName+".gz")
	dst, err := os.Create(dstPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	gz := gzip.NewWriter(dst)
	if _, err := gz.Write(head); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if err := copyWithContext(ctx, gz, file); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		if ctx.Err() != nil {
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	contentType := "file"
	if ext == ".jpg" || ext == ".jpeg" || ext == ".png" || ext == ".gif" || ext == ".webp" || ext == ".heic" {
		contentType = "image"
	}

	// Имя для отображения: только базовая часть без пути, безопасные символы; иначе — сгенерированное
	displayName := strings.TrimSpace(filepath.Base(rawFilename))
	if displayName == "" || safeFilename(displayName) == "" {
		displayName = newName
	} else {
		displayName = safeFilename(displayName)
	}

	s.writeJSON(w, http.StatusOK, UploadResponse{
		URL:         "/api/blobs/" + newName,
		FileName:    displayName,
		FileSize:    header.Size,
		ContentType: contentType,
	})
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".heic":
		return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")) && (bytes.Equal(head[8:12], []byte("heic")) || bytes.Equal(head[8:12], []byte("heix")) || bytes.Equal(head[8:12], []byte("mif1")))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".doc":
		return len(head) >= 8 && head[0] == 0xD0 && head[1] == 0xCF && head[2] == 0x11 && head[3] == 0xE0
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	case ".txt":
		return true
	}
	return true
}

// Serve отдаёт объект по имени (разархивирует при отдаче); query name= — оригинальное имя для Content-Disposition.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	gzPath := filepath.Join(s.UploadDir, filename+".gz")
	plainPath := filepath.Join(s.UploadDir, filename)

	if ct := contentTypeByExt(ext); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		// В URL пробел может приходить как "+"; нормализуем для сохранения имени при скачивании (UTF-8).
		origName = strings.TrimSpace(strings.ReplaceAll(origName, "+", " "))
		safe := safeFilename(origName)
		if safe != "" {
			disp := "attachment; filename*=UTF-8''" + url.QueryEscape(safe)
			// Legacy filename= с ASCII искажает кириллицу (подчёркивания) — не добавляем его,
			// чтобы панель загрузки браузера показывала имя из filename*=UTF-8''.
			if ascii := asciiFallbackFilename(safe); ascii != "" && ascii == safe {
				disp = "attachment; filename=\"" + ascii + "\"; " + disp
			}
			w.Header().Set("Content-Disposition", disp)
		}
	}

	// Сначала сжатый .gz, иначе — обычный файл (обратная совместимость)
	if f, err := os.Open(gzPath); err == nil {
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to read file")
			return
		}
		defer gz.Close()
		w.WriteHeader(http.StatusOK)
		io.Copy(w, gz)
		return
	}
	if f, err := os.Open(plainPath); err == nil {
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return
	}
	s.writeError(w, http.StatusNotFound, "file not found")
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	}
	return ""
}

// safeFilename оставляет имя файла безопасным для Content-Disposition (без управляющих символов и кавычек).
// Поддерживается UTF-8, чтобы сохранять кириллицу и другие языки.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// asciiFallbackFilename возвращает имя только из ASCII для legacy filename= в Content-Disposition.
// Пробелы и не-ASCII заменяются на подчёркивание, чтобы не появлялось "+" в предложенном имени.
func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}
